// Package v1 defines the public API types for sessions, runs, events,
// artifacts and messages.
package v1

import "time"

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Session is a conversation scope: one repository, one initial prompt,
// and any number of runs executed against it.
type Session struct {
	ID              string            `json:"id"`
	RepoURL         string            `json:"repo_url"`
	Prompt          string            `json:"prompt"`
	Status          SessionStatus     `json:"status"`
	ConfigOverrides map[string]string `json:"config_overrides,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Run is a single agent execution within a session.
type Run struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	Status       RunStatus  `json:"status"`
	CommandsUsed int        `json:"commands_used"`
	PRURL        *string    `json:"pr_url,omitempty"`
	PRNumber     *int       `json:"pr_number,omitempty"`
	MergeSHA     *string    `json:"merge_sha,omitempty"`
	MergedAt     *time.Time `json:"merged_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Event is a single timeline entry emitted during a run. IDs are
// assigned by the store and strictly increase in insertion order.
type Event struct {
	ID        int64                  `json:"id"`
	RunID     string                 `json:"run_id"`
	Role      string                 `json:"role"`
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Replayed  bool                   `json:"replayed,omitempty"`
}

// ArtifactType classifies a persisted artifact and selects its file
// extension on disk.
type ArtifactType string

const (
	ArtifactTypeDiff       ArtifactType = "diff"
	ArtifactTypeLog        ArtifactType = "log"
	ArtifactTypeReport     ArtifactType = "report"
	ArtifactTypeScreenshot ArtifactType = "screenshot"
)

// Artifact is a file produced during a run (diffs, logs, reports,
// screenshots).
type Artifact struct {
	ID        string                 `json:"id"`
	RunID     string                 `json:"run_id"`
	Type      ArtifactType           `json:"type"`
	Name      string                 `json:"name"`
	Path      string                 `json:"path"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	SizeBytes int64                  `json:"size_bytes"`
	CreatedAt time.Time              `json:"created_at"`
}

// Message is a persisted conversation message attached to a session.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"` // user or agent
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
