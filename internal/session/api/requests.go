package api

import (
	"time"

	v1 "github.com/rampdev/rampagent/pkg/api/v1"
)

// CreateSessionRequest is the payload for creating a session.
type CreateSessionRequest struct {
	RepoURL         string            `json:"repo_url" binding:"required"`
	Prompt          string            `json:"prompt" binding:"required"`
	ConfigOverrides map[string]string `json:"config_overrides"`
}

// MessageRequest is the payload for a follow-up user message.
type MessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// SessionsListResponse wraps a session listing.
type SessionsListResponse struct {
	Sessions []*v1.Session `json:"sessions"`
	Total    int           `json:"total"`
}

// RunsListResponse wraps a run listing.
type RunsListResponse struct {
	Runs  []*v1.Run `json:"runs"`
	Total int       `json:"total"`
}

// MessagesListResponse wraps a message listing.
type MessagesListResponse struct {
	Messages []*v1.Message `json:"messages"`
	Total    int           `json:"total"`
}

// ArtifactsListResponse wraps an artifact listing.
type ArtifactsListResponse struct {
	Artifacts []*v1.Artifact `json:"artifacts"`
	Total     int            `json:"total"`
}

// HealthResponse reports service liveness.
type HealthResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}
