package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rampdev/rampagent/internal/artifacts"
	"github.com/rampdev/rampagent/internal/common/config"
	"github.com/rampdev/rampagent/internal/common/logger"
	"github.com/rampdev/rampagent/internal/docker"
	"github.com/rampdev/rampagent/internal/events/bus"
	"github.com/rampdev/rampagent/internal/github"
	"github.com/rampdev/rampagent/internal/llm"
	"github.com/rampdev/rampagent/internal/sandbox"
	"github.com/rampdev/rampagent/internal/session"
	"github.com/rampdev/rampagent/internal/session/api"
	"github.com/rampdev/rampagent/internal/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Session Manager service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the store
	st, err := store.New(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()
	log.Info("Store ready", zap.String("url", cfg.Database.URL))

	// 4. Event bus, optionally bridged to NATS
	var eventBus bus.EventBus = bus.NewMemoryBus()
	if cfg.NATS.URL != "" {
		eventBus, err = bus.NewNATSBridge(cfg.NATS.URL, eventBus, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
	}
	defer eventBus.Close()

	// 5. Sandbox provider
	var provider sandbox.Provider
	switch cfg.Sandbox.Backend {
	case "docker":
		dockerClient, err := docker.NewClient(cfg.Docker, log)
		if err != nil {
			log.Fatal("Failed to initialize Docker client", zap.Error(err))
		}
		defer dockerClient.Close()
		if err := dockerClient.Ping(ctx); err != nil {
			log.Fatal("Failed to connect to Docker daemon", zap.Error(err))
		}
		log.Info("Connected to Docker daemon")

		dockerProvider := sandbox.NewDockerProvider(dockerClient, cfg.Docker, log)
		if err := dockerProvider.CleanupOrphans(ctx); err != nil {
			log.Warn("Failed to clean up orphaned sandboxes", zap.Error(err))
		}
		provider = dockerProvider
	case "local":
		provider = sandbox.NewLocalProvider(log)
	default:
		log.Fatal("Unknown sandbox backend", zap.String("backend", cfg.Sandbox.Backend))
	}
	log.Info("Sandbox provider ready", zap.String("backend", cfg.Sandbox.Backend))

	// 6. Decision-maker client
	if cfg.Anthropic.APIKey == "" {
		log.Fatal("anthropic.api_key is required (RAMPAGENT_ANTHROPIC_API_KEY)")
	}
	llmClient := llm.NewAnthropicClient(cfg.Anthropic, log)

	// 7. GitHub client
	githubClient := github.NewClient(cfg.GitHub.Token, log)

	// 8. Artifacts
	artifactMgr, err := artifacts.NewManager(cfg.Artifacts, st, log)
	if err != nil {
		log.Fatal("Failed to initialize artifacts manager", zap.Error(err))
	}

	// 9. Session controller
	controller := session.NewController(session.Deps{
		Config:    cfg,
		Store:     st,
		Bus:       eventBus,
		Provider:  provider,
		LLM:       llmClient,
		GitHub:    githubClient,
		Artifacts: artifactMgr,
		Logger:    log,
	})

	// 10. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(cfg, st, controller, artifactMgr, eventBus, log)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 11. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Session Manager service...")
	cancel()

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Interrupt in-flight runs and tear their sandboxes down.
	controller.Close()

	log.Info("Session Manager service stopped")
}
