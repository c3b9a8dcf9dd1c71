package api

import (
	"github.com/gin-gonic/gin"

	"github.com/rampdev/rampagent/internal/common/config"
	"github.com/rampdev/rampagent/internal/common/logger"
	"github.com/rampdev/rampagent/internal/events/bus"
	"github.com/rampdev/rampagent/internal/store"
)

// NewRouter builds the HTTP router with all session manager routes.
func NewRouter(cfg *config.Config, st store.Store, controller RunController, artifacts ArtifactOpener, eventBus bus.EventBus, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(Recovery(log))
	router.Use(RequestLogger(log))
	router.Use(CORS(cfg.Server.CORSOrigins))

	handler := NewHandler(st, controller, artifacts, eventBus, log)
	SetupRoutes(router, handler)
	return router
}

// SetupRoutes registers the session API routes on the router.
func SetupRoutes(router *gin.Engine, handler *Handler) {
	router.GET("/health", handler.Health)

	api := router.Group("/api/v1")

	sessions := api.Group("/sessions")
	{
		sessions.POST("", handler.CreateSession)
		sessions.GET("", handler.ListSessions)
		sessions.GET("/:sessionId", handler.GetSession)
		sessions.DELETE("/:sessionId", handler.DeleteSession)

		sessions.POST("/:sessionId/run", handler.StartRun)
		sessions.POST("/:sessionId/stop", handler.StopRun)
		sessions.POST("/:sessionId/message", handler.PostMessage)
		sessions.POST("/:sessionId/merge", handler.MergePR)

		sessions.GET("/:sessionId/runs", handler.ListRuns)
		sessions.GET("/:sessionId/messages", handler.ListMessages)
		sessions.GET("/:sessionId/events", handler.StreamEvents)
		sessions.GET("/:sessionId/ws", handler.StreamEventsWS)
	}

	runs := api.Group("/runs")
	{
		runs.GET("/:runId", handler.GetRun)
		runs.GET("/:runId/artifacts", handler.ListArtifacts)
	}

	api.GET("/artifacts/:artifactId", handler.DownloadArtifact)
}
