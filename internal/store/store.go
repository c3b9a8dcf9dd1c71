// Package store persists sessions, runs, events, artifacts and
// messages. Implementations are selected by the database connector URL.
package store

import (
	"context"
	"strings"

	v1 "github.com/rampdev/rampagent/pkg/api/v1"
)

// Store is the durable record of everything the runtime does.
//
// AppendEvent assigns strictly increasing ids in insertion order, so an
// ordered replay reproduces the run timeline exactly.
type Store interface {
	CreateSession(ctx context.Context, session *v1.Session) error
	GetSession(ctx context.Context, id string) (*v1.Session, error)
	ListSessions(ctx context.Context) ([]*v1.Session, error)
	UpdateSession(ctx context.Context, session *v1.Session) error
	DeleteSession(ctx context.Context, id string) error

	CreateRun(ctx context.Context, run *v1.Run) error
	GetRun(ctx context.Context, id string) (*v1.Run, error)
	ListRunsBySession(ctx context.Context, sessionID string) ([]*v1.Run, error)
	UpdateRun(ctx context.Context, run *v1.Run) error

	AppendEvent(ctx context.Context, event *v1.Event) error
	ListEventsByRun(ctx context.Context, runID string) ([]*v1.Event, error)
	ListEventsBySession(ctx context.Context, sessionID string) ([]*v1.Event, error)

	CreateArtifact(ctx context.Context, artifact *v1.Artifact) error
	GetArtifact(ctx context.Context, id string) (*v1.Artifact, error)
	ListArtifactsByRun(ctx context.Context, runID string) ([]*v1.Artifact, error)

	CreateMessage(ctx context.Context, message *v1.Message) error
	ListMessagesBySession(ctx context.Context, sessionID string) ([]*v1.Message, error)

	Close() error
}

// New selects a backend from the database URL: postgres:// URLs use
// pgx, "memory" keeps everything in process, anything else is treated
// as a sqlite file path.
func New(ctx context.Context, databaseURL string) (Store, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return NewPostgresStore(ctx, databaseURL)
	case databaseURL == "memory" || databaseURL == ":memory:":
		return NewMemoryStore(), nil
	default:
		return NewSQLiteStore(databaseURL)
	}
}
