package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/rampdev/rampagent/internal/common/errors"
	v1 "github.com/rampdev/rampagent/pkg/api/v1"
)

// MemoryStore keeps everything in process. Used by tests and by the
// "memory" database URL for ephemeral deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*v1.Session
	runs        map[string]*v1.Run
	events      []*v1.Event
	nextEventID int64
	artifacts   map[string]*v1.Artifact
	messages    []*v1.Message
	nextMsgID   int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*v1.Session),
		runs:        make(map[string]*v1.Run),
		artifacts:   make(map[string]*v1.Artifact),
		nextEventID: 1,
		nextMsgID:   1,
	}
}

func (s *MemoryStore) CreateSession(ctx context.Context, session *v1.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

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

	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, apperrors.NotFound("session", id)
	}
	cp := *session
	return &cp, nil
}

func (s *MemoryStore) ListSessions(ctx context.Context) ([]*v1.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]*v1.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		cp := *session
		sessions = append(sessions, &cp)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (s *MemoryStore) UpdateSession(ctx context.Context, session *v1.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; !ok {
		return apperrors.NotFound("session", session.ID)
	}
	session.UpdatedAt = time.Now().UTC()
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return apperrors.NotFound("session", id)
	}
	delete(s.sessions, id)

	// Cascade the way the SQL backends do through foreign keys.
	for runID, run := range s.runs {
		if run.SessionID != id {
			continue
		}
		delete(s.runs, runID)
		for artID, art := range s.artifacts {
			if art.RunID == runID {
				delete(s.artifacts, artID)
			}
		}
		kept := s.events[:0]
		for _, ev := range s.events {
			if ev.RunID != runID {
				kept = append(kept, ev)
			}
		}
		s.events = kept
	}
	keptMsgs := s.messages[:0]
	for _, msg := range s.messages {
		if msg.SessionID != id {
			keptMsgs = append(keptMsgs, msg)
		}
	}
	s.messages = keptMsgs
	return nil
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *v1.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[run.SessionID]; !ok {
		return apperrors.NotFound("session", run.SessionID)
	}
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = v1.RunStatusPending
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*v1.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, apperrors.NotFound("run", id)
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) ListRunsBySession(ctx context.Context, sessionID string) ([]*v1.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*v1.Run, 0)
	for _, run := range s.runs {
		if run.SessionID == sessionID {
			cp := *run
			runs = append(runs, &cp)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		ti, tj := runTime(runs[i]), runTime(runs[j])
		if ti.Equal(tj) {
			return runs[i].ID < runs[j].ID
		}
		return ti.After(tj)
	})
	return runs, nil
}

func runTime(run *v1.Run) time.Time {
	if run.StartedAt != nil {
		return *run.StartedAt
	}
	return time.Time{}
}

func (s *MemoryStore) UpdateRun(ctx context.Context, run *v1.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; !ok {
		return apperrors.NotFound("run", run.ID)
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event *v1.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event.ID = s.nextEventID
	s.nextEventID++
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	cp := *event
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryStore) ListEventsByRun(ctx context.Context, runID string) ([]*v1.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]*v1.Event, 0)
	for _, ev := range s.events {
		if ev.RunID == runID {
			cp := *ev
			events = append(events, &cp)
		}
	}
	return events, nil
}

func (s *MemoryStore) ListEventsBySession(ctx context.Context, sessionID string) ([]*v1.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runIDs := make(map[string]bool)
	for id, run := range s.runs {
		if run.SessionID == sessionID {
			runIDs[id] = true
		}
	}
	events := make([]*v1.Event, 0)
	for _, ev := range s.events {
		if runIDs[ev.RunID] {
			cp := *ev
			events = append(events, &cp)
		}
	}
	return events, nil
}

func (s *MemoryStore) CreateArtifact(ctx context.Context, artifact *v1.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if artifact.ID == "" {
		artifact.ID = uuid.New().String()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	cp := *artifact
	s.artifacts[artifact.ID] = &cp
	return nil
}

func (s *MemoryStore) GetArtifact(ctx context.Context, id string) (*v1.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	artifact, ok := s.artifacts[id]
	if !ok {
		return nil, apperrors.NotFound("artifact", id)
	}
	cp := *artifact
	return &cp, nil
}

func (s *MemoryStore) ListArtifactsByRun(ctx context.Context, runID string) ([]*v1.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	artifacts := make([]*v1.Artifact, 0)
	for _, artifact := range s.artifacts {
		if artifact.RunID == runID {
			cp := *artifact
			artifacts = append(artifacts, &cp)
		}
	}
	sort.Slice(artifacts, func(i, j int) bool {
		if artifacts[i].CreatedAt.Equal(artifacts[j].CreatedAt) {
			return artifacts[i].ID < artifacts[j].ID
		}
		return artifacts[i].CreatedAt.Before(artifacts[j].CreatedAt)
	})
	return artifacts, nil
}

func (s *MemoryStore) CreateMessage(ctx context.Context, message *v1.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	message.ID = s.nextMsgID
	s.nextMsgID++
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	cp := *message
	s.messages = append(s.messages, &cp)
	return nil
}

func (s *MemoryStore) ListMessagesBySession(ctx context.Context, sessionID string) ([]*v1.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := make([]*v1.Message, 0)
	for _, msg := range s.messages {
		if msg.SessionID == sessionID {
			cp := *msg
			messages = append(messages, &cp)
		}
	}
	return messages, nil
}

func (s *MemoryStore) Close() error { return nil }
