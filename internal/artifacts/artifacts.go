// Package artifacts persists run outputs (diffs, logs, reports,
// screenshots) to disk and records them in the store.
package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/rampdev/rampagent/internal/common/config"
	"github.com/rampdev/rampagent/internal/common/logger"
	"github.com/rampdev/rampagent/internal/store"
	v1 "github.com/rampdev/rampagent/pkg/api/v1"
)

// extensions maps artifact types to on-disk file extensions.
var extensions = map[v1.ArtifactType]string{
	v1.ArtifactTypeDiff:       ".patch",
	v1.ArtifactTypeLog:        ".log",
	v1.ArtifactTypeReport:     ".md",
	v1.ArtifactTypeScreenshot: ".png",
}

// Manager writes artifact files under <dir>/<run_id>/ and records
// metadata in the store.
type Manager struct {
	dir      string
	maxBytes int64
	store    store.Store
	logger   *logger.Logger
}

// NewManager creates a manager rooted at cfg.Dir.
func NewManager(cfg config.ArtifactConfig, st store.Store, log *logger.Logger) (*Manager, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifacts dir: %w", err)
	}
	return &Manager{
		dir:      cfg.Dir,
		maxBytes: cfg.MaxSizeMB * 1024 * 1024,
		store:    st,
		logger:   log,
	}, nil
}

// Save writes the artifact bytes to disk and records it. Oversized
// artifacts are rejected before anything touches disk.
func (m *Manager) Save(ctx context.Context, runID string, artifactType v1.ArtifactType, name string, data []byte, metadata map[string]interface{}) (*v1.Artifact, error) {
	ext, ok := extensions[artifactType]
	if !ok {
		return nil, fmt.Errorf("unknown artifact type: %s", artifactType)
	}
	if m.maxBytes > 0 && int64(len(data)) > m.maxBytes {
		return nil, fmt.Errorf("artifact %s exceeds size limit (%d > %d bytes)", name, len(data), m.maxBytes)
	}

	runDir := filepath.Join(m.dir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run artifacts dir: %w", err)
	}

	path := filepath.Join(runDir, name+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write artifact: %w", err)
	}

	artifact := &v1.Artifact{
		RunID:     runID,
		Type:      artifactType,
		Name:      name,
		Path:      path,
		Metadata:  metadata,
		SizeBytes: int64(len(data)),
	}
	if err := m.store.CreateArtifact(ctx, artifact); err != nil {
		// Keep disk and store consistent.
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to record artifact: %w", err)
	}

	m.logger.Debug("Saved artifact",
		zap.String("run_id", runID),
		zap.String("type", string(artifactType)),
		zap.String("path", path),
		zap.Int("size", len(data)))
	return artifact, nil
}

// Open returns a reader for a recorded artifact's file.
func (m *Manager) Open(ctx context.Context, artifactID string) (*v1.Artifact, *os.File, error) {
	artifact, err := m.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(artifact.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open artifact file: %w", err)
	}
	return artifact, f, nil
}
