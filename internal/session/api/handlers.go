// Package api exposes the session manager over HTTP: session CRUD, run
// control, messages, artifacts, and event streaming (SSE and WebSocket).
package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rampdev/rampagent/internal/common/errors"
	"github.com/rampdev/rampagent/internal/common/logger"
	"github.com/rampdev/rampagent/internal/events/bus"
	"github.com/rampdev/rampagent/internal/store"
	v1 "github.com/rampdev/rampagent/pkg/api/v1"
)

// RunController drives run execution. Satisfied by the session
// controller.
type RunController interface {
	StartRun(ctx context.Context, sessionID string) (*v1.Run, error)
	ContinueRun(ctx context.Context, sessionID, message string) (*v1.Run, error)
	InterruptRun(ctx context.Context, sessionID string) error
	MergePR(ctx context.Context, sessionID string) (*v1.Run, error)
}

// ArtifactOpener serves recorded artifact files. Satisfied by the
// artifacts manager.
type ArtifactOpener interface {
	Open(ctx context.Context, artifactID string) (*v1.Artifact, *os.File, error)
}

// Handler contains the HTTP handlers for the session API.
type Handler struct {
	store      store.Store
	controller RunController
	artifacts  ArtifactOpener
	bus        bus.EventBus
	logger     *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(st store.Store, controller RunController, artifacts ArtifactOpener, eventBus bus.EventBus, log *logger.Logger) *Handler {
	return &Handler{
		store:      st,
		controller: controller,
		artifacts:  artifacts,
		bus:        eventBus,
		logger:     log,
	}
}

// respondError maps application errors to HTTP responses.
func (h *Handler) respondError(c *gin.Context, err error, fallback string) {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.logger.Error(fallback, zap.Error(err))
	appErr = errors.InternalError(fallback, err)
	c.JSON(appErr.HTTPStatus, appErr)
}

// Health reports liveness.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Time: time.Now().UTC()})
}

// CreateSession creates a new session.
// POST /api/v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	session := &v1.Session{
		RepoURL:         req.RepoURL,
		Prompt:          req.Prompt,
		ConfigOverrides: req.ConfigOverrides,
	}
	if err := h.store.CreateSession(c.Request.Context(), session); err != nil {
		h.respondError(c, err, "failed to create session")
		return
	}

	c.JSON(http.StatusCreated, session)
}

// GetSession retrieves a session by ID.
// GET /api/v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	session, err := h.store.GetSession(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.respondError(c, err, "failed to get session")
		return
	}
	c.JSON(http.StatusOK, session)
}

// ListSessions returns all sessions.
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.store.ListSessions(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "failed to list sessions")
		return
	}
	c.JSON(http.StatusOK, SessionsListResponse{Sessions: sessions, Total: len(sessions)})
}

// DeleteSession deletes a session and everything attached to it.
// DELETE /api/v1/sessions/:sessionId
func (h *Handler) DeleteSession(c *gin.Context) {
	sessionID := c.Param("sessionId")

	session, err := h.store.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		h.respondError(c, err, "failed to get session")
		return
	}
	if session.Status == v1.SessionStatusRunning {
		appErr := errors.Conflict("cannot delete a session with a run in progress")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.store.DeleteSession(c.Request.Context(), sessionID); err != nil {
		h.respondError(c, err, "failed to delete session")
		return
	}
	c.Status(http.StatusNoContent)
}

// StartRun starts a run for the session.
// POST /api/v1/sessions/:sessionId/run
func (h *Handler) StartRun(c *gin.Context) {
	run, err := h.controller.StartRun(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.respondError(c, err, "failed to start run")
		return
	}
	c.JSON(http.StatusAccepted, run)
}

// StopRun interrupts the session's active run.
// POST /api/v1/sessions/:sessionId/stop
func (h *Handler) StopRun(c *gin.Context) {
	if err := h.controller.InterruptRun(c.Request.Context(), c.Param("sessionId")); err != nil {
		h.respondError(c, err, "failed to interrupt run")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "interrupt_requested"})
}

// PostMessage delivers a follow-up user message to the session.
// POST /api/v1/sessions/:sessionId/message
func (h *Handler) PostMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	run, err := h.controller.ContinueRun(c.Request.Context(), c.Param("sessionId"), req.Content)
	if err != nil {
		h.respondError(c, err, "failed to continue run")
		return
	}
	c.JSON(http.StatusAccepted, run)
}

// MergePR merges the session's pull request.
// POST /api/v1/sessions/:sessionId/merge
func (h *Handler) MergePR(c *gin.Context) {
	run, err := h.controller.MergePR(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.respondError(c, err, "failed to merge pull request")
		return
	}
	c.JSON(http.StatusOK, run)
}

// ListRuns returns the session's runs.
// GET /api/v1/sessions/:sessionId/runs
func (h *Handler) ListRuns(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if _, err := h.store.GetSession(c.Request.Context(), sessionID); err != nil {
		h.respondError(c, err, "failed to get session")
		return
	}

	runs, err := h.store.ListRunsBySession(c.Request.Context(), sessionID)
	if err != nil {
		h.respondError(c, err, "failed to list runs")
		return
	}
	c.JSON(http.StatusOK, RunsListResponse{Runs: runs, Total: len(runs)})
}

// GetRun retrieves a run by ID.
// GET /api/v1/runs/:runId
func (h *Handler) GetRun(c *gin.Context) {
	run, err := h.store.GetRun(c.Request.Context(), c.Param("runId"))
	if err != nil {
		h.respondError(c, err, "failed to get run")
		return
	}
	c.JSON(http.StatusOK, run)
}

// ListMessages returns the session's conversation messages.
// GET /api/v1/sessions/:sessionId/messages
func (h *Handler) ListMessages(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if _, err := h.store.GetSession(c.Request.Context(), sessionID); err != nil {
		h.respondError(c, err, "failed to get session")
		return
	}

	messages, err := h.store.ListMessagesBySession(c.Request.Context(), sessionID)
	if err != nil {
		h.respondError(c, err, "failed to list messages")
		return
	}
	c.JSON(http.StatusOK, MessagesListResponse{Messages: messages, Total: len(messages)})
}

// ListArtifacts returns a run's artifacts.
// GET /api/v1/runs/:runId/artifacts
func (h *Handler) ListArtifacts(c *gin.Context) {
	runID := c.Param("runId")
	if _, err := h.store.GetRun(c.Request.Context(), runID); err != nil {
		h.respondError(c, err, "failed to get run")
		return
	}

	artifacts, err := h.store.ListArtifactsByRun(c.Request.Context(), runID)
	if err != nil {
		h.respondError(c, err, "failed to list artifacts")
		return
	}
	c.JSON(http.StatusOK, ArtifactsListResponse{Artifacts: artifacts, Total: len(artifacts)})
}

// DownloadArtifact streams an artifact file.
// GET /api/v1/artifacts/:artifactId
func (h *Handler) DownloadArtifact(c *gin.Context) {
	artifact, f, err := h.artifacts.Open(c.Request.Context(), c.Param("artifactId"))
	if err != nil {
		h.respondError(c, err, "failed to open artifact")
		return
	}
	defer f.Close()

	contentType := "application/octet-stream"
	switch artifact.Type {
	case v1.ArtifactTypeScreenshot:
		contentType = "image/png"
	case v1.ArtifactTypeDiff, v1.ArtifactTypeLog:
		contentType = "text/plain; charset=utf-8"
	case v1.ArtifactTypeReport:
		contentType = "text/markdown; charset=utf-8"
	}
	c.DataFromReader(http.StatusOK, artifact.SizeBytes, contentType, f, map[string]string{
		"Content-Disposition": `attachment; filename="` + artifact.Name + `"`,
	})
}
