package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	apperrors "github.com/rampdev/rampagent/internal/common/errors"
	v1 "github.com/rampdev/rampagent/pkg/api/v1"
)

// PostgresStore implements Store on PostgreSQL via pgx. Used for
// multi-node deployments where SQLite's single writer is not enough.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore opens a PostgreSQL connection and initializes the
// schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		repo_url TEXT NOT NULL,
		prompt TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		config_overrides TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		status TEXT NOT NULL DEFAULT 'pending',
		commands_used INTEGER NOT NULL DEFAULT 0,
		pr_url TEXT,
		pr_number INTEGER,
		merge_sha TEXT,
		merged_at TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS events (
		id BIGSERIAL PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		type TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}',
		timestamp TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		size_bytes BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_session_id ON runs(session_id);
	CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id);
	CREATE INDEX IF NOT EXISTS idx_artifacts_run_id ON artifacts(run_id);
	CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *PostgresStore) CreateSession(ctx context.Context, session *v1.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	if session.Status == "" {
		session.Status = v1.SessionStatusPending
	}

	overrides, err := json.Marshal(session.ConfigOverrides)
	if err != nil {
		return fmt.Errorf("failed to marshal config overrides: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, repo_url, prompt, status, config_overrides, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		session.ID, session.RepoURL, session.Prompt, string(session.Status),
		string(overrides), session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repo_url, prompt, status, config_overrides, created_at, updated_at
		FROM sessions WHERE id = $1`, id)

	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]*v1.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repo_url, prompt, status, config_overrides, created_at, updated_at
		FROM sessions ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*v1.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) UpdateSession(ctx context.Context, session *v1.Session) error {
	session.UpdatedAt = time.Now().UTC()

	overrides, err := json.Marshal(session.ConfigOverrides)
	if err != nil {
		return fmt.Errorf("failed to marshal config overrides: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET repo_url = $1, prompt = $2, status = $3, config_overrides = $4, updated_at = $5
		WHERE id = $6`,
		session.RepoURL, session.Prompt, string(session.Status), string(overrides),
		session.UpdatedAt, session.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return checkAffected(result, "session", session.ID)
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return checkAffected(result, "session", id)
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *v1.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = v1.RunStatusPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, session_id, status, commands_used, pr_url, pr_number, merge_sha, merged_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.SessionID, string(run.Status), run.CommandsUsed,
		run.PRURL, run.PRNumber, run.MergeSHA, run.MergedAt, run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*v1.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, status, commands_used, pr_url, pr_number, merge_sha, merged_at, started_at, finished_at
		FROM runs WHERE id = $1`, id)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (s *PostgresStore) ListRunsBySession(ctx context.Context, sessionID string) ([]*v1.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, status, commands_used, pr_url, pr_number, merge_sha, merged_at, started_at, finished_at
		FROM runs WHERE session_id = $1 ORDER BY started_at DESC NULLS LAST, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*v1.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *v1.Run) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $1, commands_used = $2, pr_url = $3, pr_number = $4, merge_sha = $5, merged_at = $6, started_at = $7, finished_at = $8
		WHERE id = $9`,
		string(run.Status), run.CommandsUsed, run.PRURL, run.PRNumber,
		run.MergeSHA, run.MergedAt, run.StartedAt, run.FinishedAt, run.ID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return checkAffected(result, "run", run.ID)
}

func (s *PostgresStore) AppendEvent(ctx context.Context, event *v1.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO events (run_id, role, type, data, timestamp)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		event.RunID, event.Role, event.Type, string(data), event.Timestamp).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEventsByRun(ctx context.Context, runID string) ([]*v1.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, role, type, data, timestamp
		FROM events WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) ListEventsBySession(ctx context.Context, sessionID string) ([]*v1.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.run_id, e.role, e.type, e.data, e.timestamp
		FROM events e JOIN runs r ON e.run_id = r.id
		WHERE r.session_id = $1 ORDER BY e.id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) CreateArtifact(ctx context.Context, artifact *v1.Artifact) error {
	if artifact.ID == "" {
		artifact.ID = uuid.New().String()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}

	metadata, err := json.Marshal(artifact.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, run_id, type, name, path, metadata, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		artifact.ID, artifact.RunID, string(artifact.Type), artifact.Name,
		artifact.Path, string(metadata), artifact.SizeBytes, artifact.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create artifact: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetArtifact(ctx context.Context, id string) (*v1.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, type, name, path, metadata, size_bytes, created_at
		FROM artifacts WHERE id = $1`, id)

	artifact, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("artifact", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	return artifact, nil
}

func (s *PostgresStore) ListArtifactsByRun(ctx context.Context, runID string) ([]*v1.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, type, name, path, metadata, size_bytes, created_at
		FROM artifacts WHERE run_id = $1 ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*v1.Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}

func (s *PostgresStore) CreateMessage(ctx context.Context, message *v1.Message) error {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (session_id, role, content, timestamp)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		message.SessionID, message.Role, message.Content, message.Timestamp).Scan(&message.ID)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessagesBySession(ctx context.Context, sessionID string) ([]*v1.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, timestamp
		FROM messages WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*v1.Message
	for rows.Next() {
		var msg v1.Message
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
