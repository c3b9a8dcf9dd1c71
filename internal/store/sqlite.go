package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/rampdev/rampagent/internal/common/errors"
	v1 "github.com/rampdev/rampagent/pkg/api/v1"
)

// SQLiteStore implements Store using SQLite. The default backend for
// single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-backed store and initializes the
// schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		repo_url TEXT NOT NULL,
		prompt TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		config_overrides TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		commands_used INTEGER NOT NULL DEFAULT 0,
		pr_url TEXT,
		pr_number INTEGER,
		merge_sha TEXT,
		merged_at TIMESTAMP,
		started_at TIMESTAMP,
		finished_at TIMESTAMP,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		role TEXT NOT NULL,
		type TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}',
		timestamp TIMESTAMP NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_runs_session_id ON runs(session_id);
	CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id);
	CREATE INDEX IF NOT EXISTS idx_artifacts_run_id ON artifacts(run_id);
	CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) CreateSession(ctx context.Context, session *v1.Session) error {
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
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.RepoURL, session.Prompt, string(session.Status),
		string(overrides), session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repo_url, prompt, status, config_overrides, created_at, updated_at
		FROM sessions WHERE id = ?`, id)

	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*v1.Session, error) {
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

func (s *SQLiteStore) UpdateSession(ctx context.Context, session *v1.Session) error {
	session.UpdatedAt = time.Now().UTC()

	overrides, err := json.Marshal(session.ConfigOverrides)
	if err != nil {
		return fmt.Errorf("failed to marshal config overrides: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET repo_url = ?, prompt = ?, status = ?, config_overrides = ?, updated_at = ?
		WHERE id = ?`,
		session.RepoURL, session.Prompt, string(session.Status), string(overrides),
		session.UpdatedAt, session.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return checkAffected(result, "session", session.ID)
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return checkAffected(result, "session", id)
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *v1.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = v1.RunStatusPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, session_id, status, commands_used, pr_url, pr_number, merge_sha, merged_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SessionID, string(run.Status), run.CommandsUsed,
		run.PRURL, run.PRNumber, run.MergeSHA, run.MergedAt, run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*v1.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, status, commands_used, pr_url, pr_number, merge_sha, merged_at, started_at, finished_at
		FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (s *SQLiteStore) ListRunsBySession(ctx context.Context, sessionID string) ([]*v1.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, status, commands_used, pr_url, pr_number, merge_sha, merged_at, started_at, finished_at
		FROM runs WHERE session_id = ? ORDER BY started_at DESC, id`, sessionID)
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

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *v1.Run) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, commands_used = ?, pr_url = ?, pr_number = ?, merge_sha = ?, merged_at = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		string(run.Status), run.CommandsUsed, run.PRURL, run.PRNumber,
		run.MergeSHA, run.MergedAt, run.StartedAt, run.FinishedAt, run.ID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return checkAffected(result, "run", run.ID)
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, event *v1.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO events (run_id, role, type, data, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		event.RunID, event.Role, event.Type, string(data), event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	event.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read event id: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEventsByRun(ctx context.Context, runID string) ([]*v1.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, role, type, data, timestamp
		FROM events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *SQLiteStore) ListEventsBySession(ctx context.Context, sessionID string) ([]*v1.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.run_id, e.role, e.type, e.data, e.timestamp
		FROM events e JOIN runs r ON e.run_id = r.id
		WHERE r.session_id = ? ORDER BY e.id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *SQLiteStore) CreateArtifact(ctx context.Context, artifact *v1.Artifact) error {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		artifact.ID, artifact.RunID, string(artifact.Type), artifact.Name,
		artifact.Path, string(metadata), artifact.SizeBytes, artifact.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create artifact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetArtifact(ctx context.Context, id string) (*v1.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, type, name, path, metadata, size_bytes, created_at
		FROM artifacts WHERE id = ?`, id)

	artifact, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("artifact", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	return artifact, nil
}

func (s *SQLiteStore) ListArtifactsByRun(ctx context.Context, runID string) ([]*v1.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, type, name, path, metadata, size_bytes, created_at
		FROM artifacts WHERE run_id = ? ORDER BY created_at, id`, runID)
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

func (s *SQLiteStore) CreateMessage(ctx context.Context, message *v1.Message) error {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, role, content, timestamp)
		VALUES (?, ?, ?, ?)`,
		message.SessionID, message.Role, message.Content, message.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}

	message.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read message id: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessagesBySession(ctx context.Context, sessionID string) ([]*v1.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, timestamp
		FROM messages WHERE session_id = ? ORDER BY id`, sessionID)
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
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*v1.Session, error) {
	var session v1.Session
	var status, overrides string
	if err := row.Scan(&session.ID, &session.RepoURL, &session.Prompt, &status,
		&overrides, &session.CreatedAt, &session.UpdatedAt); err != nil {
		return nil, err
	}
	session.Status = v1.SessionStatus(status)
	_ = json.Unmarshal([]byte(overrides), &session.ConfigOverrides)
	return &session, nil
}

func scanRun(row rowScanner) (*v1.Run, error) {
	var run v1.Run
	var status string
	if err := row.Scan(&run.ID, &run.SessionID, &status, &run.CommandsUsed,
		&run.PRURL, &run.PRNumber, &run.MergeSHA, &run.MergedAt,
		&run.StartedAt, &run.FinishedAt); err != nil {
		return nil, err
	}
	run.Status = v1.RunStatus(status)
	return &run, nil
}

func scanEvents(rows *sql.Rows) ([]*v1.Event, error) {
	var events []*v1.Event
	for rows.Next() {
		var ev v1.Event
		var data string
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Role, &ev.Type, &data, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		_ = json.Unmarshal([]byte(data), &ev.Data)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func scanArtifact(row rowScanner) (*v1.Artifact, error) {
	var artifact v1.Artifact
	var artType, metadata string
	if err := row.Scan(&artifact.ID, &artifact.RunID, &artType, &artifact.Name,
		&artifact.Path, &metadata, &artifact.SizeBytes, &artifact.CreatedAt); err != nil {
		return nil, err
	}
	artifact.Type = v1.ArtifactType(artType)
	_ = json.Unmarshal([]byte(metadata), &artifact.Metadata)
	return &artifact, nil
}

func checkAffected(result sql.Result, resource, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if affected == 0 {
		return apperrors.NotFound(resource, id)
	}
	return nil
}
