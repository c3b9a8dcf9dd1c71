// Package sandbox provides isolated, disposable workspaces where agent
// runs clone a repository, execute commands and edit files.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Sentinel errors shared by all backends.
var (
	// ErrPathEscape is returned when a path resolves outside the
	// sandbox workspace. The check happens before any I/O.
	ErrPathEscape = errors.New("path escapes workspace")

	// ErrNotFound is returned when a path does not exist.
	ErrNotFound = errors.New("not found")
)

// IsDirectoryError is returned by ReadFile when the path is a directory.
// The message carries a short listing so an agent can self-correct
// without a second round-trip.
type IsDirectoryError struct {
	Path    string
	Entries []string
}

func (e *IsDirectoryError) Error() string {
	entries := e.Entries
	if len(entries) > 50 {
		entries = entries[:50]
	}
	return fmt.Sprintf("'%s' is a directory. Contents:\n%s", e.Path, strings.Join(entries, "\n"))
}

// CommandResult holds the outcome of a command executed in a sandbox.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Sandbox is a single isolated workspace. All paths are interpreted
// relative to the workspace root and must not escape it.
type Sandbox interface {
	// Workspace returns the absolute path of the repository checkout
	// inside the sandbox.
	Workspace() string

	// Setenv sets an environment variable for subsequent commands.
	Setenv(key, value string)

	// RunCommand executes a shell command in the workspace. A timeout
	// kills the process and yields exit code -1 with a timeout banner
	// on stderr rather than an error.
	RunCommand(ctx context.Context, command string, timeout time.Duration) (*CommandResult, error)

	// ReadFile returns the file contents, a binary sentinel for
	// non-UTF-8 data, or an IsDirectoryError for directories.
	ReadFile(ctx context.Context, path string) (string, error)

	// WriteFile writes content, creating parent directories as needed.
	WriteFile(ctx context.Context, path, content string) error

	// DeleteFile removes a file, returning ErrNotFound if it does not
	// exist.
	DeleteFile(ctx context.Context, path string) error

	// ListDir returns the sorted entries of a directory, directories
	// marked with a trailing slash.
	ListDir(ctx context.Context, path string) ([]string, error)

	// Destroy releases all sandbox resources. Safe to call more than
	// once.
	Destroy(ctx context.Context) error
}

// Provider creates sandboxes.
type Provider interface {
	Create(ctx context.Context, repoURL, githubToken string) (Sandbox, error)
}

// cloneURL injects the access token into HTTPS GitHub URLs so the clone
// can reach private repositories.
func cloneURL(repoURL, token string) string {
	if token != "" && strings.Contains(repoURL, "github.com") {
		return strings.Replace(repoURL, "https://", fmt.Sprintf("https://x-access-token:%s@", token), 1)
	}
	return repoURL
}

// resolveWorkspacePath joins p against the workspace root and rejects
// anything that resolves outside it.
func resolveWorkspacePath(workspace, p string) (string, error) {
	target := p
	if filepath.IsAbs(target) {
		target = filepath.Clean(target)
	} else {
		target = filepath.Join(workspace, target)
	}
	rel, err := filepath.Rel(workspace, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, p)
	}
	return target, nil
}
