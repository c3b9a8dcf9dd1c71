package sandbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rampdev/rampagent/internal/common/config"
	"github.com/rampdev/rampagent/internal/common/logger"
	"github.com/rampdev/rampagent/internal/docker"
)

const containerWorkspace = "/repo"

// sandboxLabel marks containers owned by this provider so orphans can be
// found and removed after a crash.
const sandboxLabel = "rampagent.sandbox"

// DockerProvider creates sandboxes as ephemeral containers. The image is
// expected to carry git, node, python and playwright-chromium.
type DockerProvider struct {
	client   *docker.Client
	cfg      config.DockerConfig
	logger   *logger.Logger
	pullOnce sync.Once
	pullErr  error
}

// NewDockerProvider creates a container sandbox provider.
func NewDockerProvider(client *docker.Client, cfg config.DockerConfig, log *logger.Logger) *DockerProvider {
	return &DockerProvider{
		client: client,
		cfg:    cfg,
		logger: log,
	}
}

// CleanupOrphans removes containers left behind by previous processes.
func (p *DockerProvider) CleanupOrphans(ctx context.Context) error {
	containers, err := p.client.ListContainers(ctx, map[string]string{sandboxLabel: "true"})
	if err != nil {
		return err
	}
	for _, c := range containers {
		p.logger.Warn("Removing orphaned sandbox container",
			zap.String("container_id", c.ID),
			zap.String("state", c.State),
		)
		if err := p.client.RemoveContainer(ctx, c.ID, true); err != nil {
			p.logger.Error("Failed to remove orphaned container", zap.String("container_id", c.ID), zap.Error(err))
		}
	}
	return nil
}

// Create starts a container and shallow-clones the repository into it.
func (p *DockerProvider) Create(ctx context.Context, repoURL, githubToken string) (Sandbox, error) {
	p.pullOnce.Do(func() {
		p.pullErr = p.client.PullImage(ctx, p.cfg.Image)
	})
	if p.pullErr != nil {
		return nil, fmt.Errorf("failed to pull sandbox image: %w", p.pullErr)
	}

	name := "ramp-sandbox-" + uuid.NewString()[:8]
	containerID, err := p.client.CreateContainer(ctx, docker.ContainerConfig{
		Name:        name,
		Image:       p.cfg.Image,
		Cmd:         []string{"sleep", "infinity"},
		NetworkMode: p.cfg.NetworkMode,
		Memory:      p.cfg.MemoryLimit,
		CPUQuota:    p.cfg.CPUQuota,
		Labels:      map[string]string{sandboxLabel: "true"},
	})
	if err != nil {
		return nil, err
	}

	if err := p.client.StartContainer(ctx, containerID); err != nil {
		p.client.RemoveContainer(context.WithoutCancel(ctx), containerID, true)
		return nil, err
	}

	sb := &dockerSandbox{
		client:      p.client,
		containerID: containerID,
		env:         make(map[string]string),
		logger:      p.logger,
	}

	cctx, cancel := context.WithTimeout(ctx, cloneTimeout)
	defer cancel()
	res, err := p.client.Exec(cctx, containerID, docker.ExecConfig{
		Cmd: []string{"git", "clone", "--depth", "1", cloneURL(repoURL, githubToken), containerWorkspace},
	})
	if err != nil || res.ExitCode != 0 {
		sb.Destroy(context.WithoutCancel(ctx))
		if err != nil {
			return nil, fmt.Errorf("git clone failed in container: %w", err)
		}
		return nil, fmt.Errorf("git clone failed (exit %d): %s", res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}

	p.logger.Info("Sandbox created",
		zap.String("backend", "docker"),
		zap.String("container_id", containerID),
	)
	return sb, nil
}

type dockerSandbox struct {
	client      *docker.Client
	containerID string
	mu          sync.Mutex
	env         map[string]string
	destroyed   bool
	logger      *logger.Logger
}

func (s *dockerSandbox) Workspace() string {
	return containerWorkspace
}

func (s *dockerSandbox) Setenv(key, value string) {
	s.mu.Lock()
	s.env[key] = value
	s.mu.Unlock()
}

func (s *dockerSandbox) envList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	env := make([]string, 0, len(s.env))
	for k, v := range s.env {
		env = append(env, k+"="+v)
	}
	return env
}

func (s *dockerSandbox) RunCommand(ctx context.Context, command string, timeout time.Duration) (*CommandResult, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := s.client.Exec(cctx, s.containerID, docker.ExecConfig{
		Cmd:        []string{"bash", "-c", command},
		Env:        s.envList(),
		WorkingDir: containerWorkspace,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &CommandResult{ExitCode: -1, Stdout: "", Stderr: "Command timed out"}, nil
		}
		return nil, err
	}

	return &CommandResult{
		ExitCode: res.ExitCode,
		Stdout:   strings.ToValidUTF8(string(res.Stdout), "�"),
		Stderr:   strings.ToValidUTF8(string(res.Stderr), "�"),
	}, nil
}

func (s *dockerSandbox) ReadFile(ctx context.Context, p string) (string, error) {
	target, err := resolveWorkspacePath(containerWorkspace, p)
	if err != nil {
		return "", err
	}

	res, err := s.client.Exec(ctx, s.containerID, docker.ExecConfig{
		Cmd: []string{"bash", "-c", readFileScript(target)},
	})
	if err != nil {
		return "", err
	}

	switch res.ExitCode {
	case 0:
		if !utf8.Valid(res.Stdout) {
			return fmt.Sprintf("[binary file, %d bytes]", len(res.Stdout)), nil
		}
		return string(res.Stdout), nil
	case 3:
		return "", fmt.Errorf("%w: %s", ErrNotFound, p)
	case 4:
		return "", &IsDirectoryError{Path: p, Entries: splitLines(string(res.Stdout))}
	default:
		return "", fmt.Errorf("failed to read %s: %s", p, strings.TrimSpace(string(res.Stderr)))
	}
}

func (s *dockerSandbox) WriteFile(ctx context.Context, p, content string) error {
	target, err := resolveWorkspacePath(containerWorkspace, p)
	if err != nil {
		return err
	}

	// Content travels base64-encoded so arbitrary bytes survive the shell.
	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	res, err := s.client.Exec(ctx, s.containerID, docker.ExecConfig{
		Cmd: []string{"bash", "-c", writeFileScript(target, encoded)},
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("failed to write %s: %s", p, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

func (s *dockerSandbox) DeleteFile(ctx context.Context, p string) error {
	target, err := resolveWorkspacePath(containerWorkspace, p)
	if err != nil {
		return err
	}

	res, err := s.client.Exec(ctx, s.containerID, docker.ExecConfig{
		Cmd: []string{"bash", "-c", deleteFileScript(target)},
	})
	if err != nil {
		return err
	}
	switch res.ExitCode {
	case 0:
		return nil
	case 3:
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	default:
		return fmt.Errorf("failed to delete %s: %s", p, strings.TrimSpace(string(res.Stderr)))
	}
}

func (s *dockerSandbox) ListDir(ctx context.Context, p string) ([]string, error) {
	target, err := resolveWorkspacePath(containerWorkspace, p)
	if err != nil {
		return nil, err
	}

	// -1p marks directories with a trailing slash and nothing else, so
	// entries come back as plain file names like the local backend's.
	res, err := s.client.Exec(ctx, s.containerID, docker.ExecConfig{
		Cmd: []string{"ls", "-1p", target},
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return splitLines(string(res.Stdout)), nil
}

func (s *dockerSandbox) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	s.mu.Unlock()

	s.logger.Info("Destroying sandbox", zap.String("container_id", s.containerID))
	if err := s.client.RemoveContainer(ctx, s.containerID, true); err != nil {
		s.logger.Warn("Failed to remove sandbox container", zap.String("container_id", s.containerID), zap.Error(err))
	}
	return nil
}

// The scripts proxied through bash take their paths single-quoted so
// $, backticks and spaces in file names stay literal.

func readFileScript(target string) string {
	q := shellQuote(target)
	return fmt.Sprintf(`if [ ! -e %[1]s ]; then exit 3; elif [ -d %[1]s ]; then ls -1p %[1]s; exit 4; else cat %[1]s; fi`, q)
}

func writeFileScript(target, encodedContent string) string {
	return fmt.Sprintf(`mkdir -p %s && echo %s | base64 -d > %s`,
		shellQuote(path.Dir(target)), shellQuote(encodedContent), shellQuote(target))
}

func deleteFileScript(target string) string {
	q := shellQuote(target)
	return fmt.Sprintf(`if [ -e %[1]s ]; then rm %[1]s; else exit 3; fi`, q)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(s), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

var (
	_ Provider = (*DockerProvider)(nil)
	_ Sandbox  = (*dockerSandbox)(nil)
)
