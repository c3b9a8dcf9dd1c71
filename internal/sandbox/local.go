package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/rampdev/rampagent/internal/common/logger"
)

const cloneTimeout = 300 * time.Second

// LocalProvider creates sandboxes as temporary directories on the host,
// running commands as child processes.
type LocalProvider struct {
	logger *logger.Logger
}

// NewLocalProvider creates a local sandbox provider.
func NewLocalProvider(log *logger.Logger) *LocalProvider {
	return &LocalProvider{logger: log}
}

// Create makes a fresh temp directory and shallow-clones the repository
// into it. On clone failure the partial workspace is removed.
func (p *LocalProvider) Create(ctx context.Context, repoURL, githubToken string) (Sandbox, error) {
	root, err := os.MkdirTemp("", "ramp_")
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox dir: %w", err)
	}
	workspace := filepath.Join(root, "repo")

	cctx, cancel := context.WithTimeout(ctx, cloneTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "git", "clone", "--depth", "1", cloneURL(repoURL, githubToken), workspace)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		os.RemoveAll(root)
		return nil, fmt.Errorf("git clone failed: %s: %w", strings.TrimSpace(stderr.String()), err)
	}

	p.logger.Info("Sandbox created",
		zap.String("backend", "local"),
		zap.String("workspace", workspace),
	)

	return &localSandbox{
		root:      root,
		workspace: workspace,
		env:       make(map[string]string),
		logger:    p.logger,
	}, nil
}

type localSandbox struct {
	root      string
	workspace string
	mu        sync.Mutex
	env       map[string]string
	logger    *logger.Logger
}

func (s *localSandbox) Workspace() string {
	return s.workspace
}

func (s *localSandbox) Setenv(key, value string) {
	s.mu.Lock()
	s.env[key] = value
	s.mu.Unlock()
}

func (s *localSandbox) envList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	env := os.Environ()
	for k, v := range s.env {
		env = append(env, k+"="+v)
	}
	return env
}

func (s *localSandbox) RunCommand(ctx context.Context, command string, timeout time.Duration) (*CommandResult, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "bash", "-c", command)
	cmd.Dir = s.workspace
	cmd.Env = s.envList()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if cctx.Err() == context.DeadlineExceeded {
		return &CommandResult{ExitCode: -1, Stdout: "", Stderr: "Command timed out"}, nil
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("failed to run command: %w", err)
		}
	}

	return &CommandResult{
		ExitCode: exitCode,
		Stdout:   strings.ToValidUTF8(stdout.String(), "�"),
		Stderr:   strings.ToValidUTF8(stderr.String(), "�"),
	}, nil
}

func (s *localSandbox) ReadFile(ctx context.Context, path string) (string, error) {
	target, err := resolveWorkspacePath(s.workspace, path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if info.IsDir() {
		entries, err := s.listEntries(target)
		if err != nil {
			return "", err
		}
		return "", &IsDirectoryError{Path: path, Entries: entries}
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	if !utf8.Valid(data) {
		return fmt.Sprintf("[binary file, %d bytes]", len(data)), nil
	}
	return string(data), nil
}

func (s *localSandbox) WriteFile(ctx context.Context, path, content string) error {
	target, err := resolveWorkspacePath(s.workspace, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create parent dirs for %s: %w", path, err)
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func (s *localSandbox) DeleteFile(ctx context.Context, path string) error {
	target, err := resolveWorkspacePath(s.workspace, path)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

func (s *localSandbox) ListDir(ctx context.Context, path string) ([]string, error) {
	target, err := resolveWorkspacePath(s.workspace, path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(target); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return s.listEntries(target)
}

// listEntries returns the entries of dir in lexicographic order,
// directories marked with a trailing slash.
func (s *localSandbox) listEntries(dir string) ([]string, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	entries := make([]string, 0, len(dirEntries))
	for _, e := range dirEntries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		entries = append(entries, name)
	}
	sort.Strings(entries)
	return entries, nil
}

func (s *localSandbox) Destroy(ctx context.Context) error {
	s.logger.Info("Destroying sandbox", zap.String("workspace", s.workspace))
	return os.RemoveAll(s.root)
}

var (
	_ Provider = (*LocalProvider)(nil)
	_ Sandbox  = (*localSandbox)(nil)
)
