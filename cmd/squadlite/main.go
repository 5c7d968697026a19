// Command squadlite runs the control plane: REST + WebSocket server,
// MongoDB change-stream watchers, and the shared sandbox orchestrator.
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

	"github.com/squadlite/squadlite/internal/api"
	"github.com/squadlite/squadlite/internal/common/config"
	"github.com/squadlite/squadlite/internal/common/logger"
	"github.com/squadlite/squadlite/internal/common/tracing"
	"github.com/squadlite/squadlite/internal/coordination"
	"github.com/squadlite/squadlite/internal/events"
	"github.com/squadlite/squadlite/internal/events/bus"
	"github.com/squadlite/squadlite/internal/gateway/websocket"
	"github.com/squadlite/squadlite/internal/runtime"
	"github.com/squadlite/squadlite/internal/sandbox"
	"github.com/squadlite/squadlite/internal/store"
	"github.com/squadlite/squadlite/internal/store/memory"
	storemongo "github.com/squadlite/squadlite/internal/store/mongo"
	"github.com/squadlite/squadlite/internal/watcher"
)

const (
	heartbeatSweepInterval = 30 * time.Second
	heartbeatMaxAge        = 5 * time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting squadlite control plane...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// Storage. The memory driver is a dev mode: no persistence and no
	// change-stream watchers.
	var (
		repo       store.Repository
		mongoStore *storemongo.Store
	)
	if cfg.Storage.Driver == "memory" {
		log.Warn("Using in-memory storage; data is not persisted and watchers are disabled")
		repo = memory.New()
	} else {
		mongoStore, err = storemongo.Connect(ctx, cfg.Mongo, log)
		if err != nil {
			log.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		defer mongoStore.Close(context.Background())
		repo = mongoStore
	}

	svc := coordination.NewService(repo, log)

	// Agent output: buffer for result extraction and fan out chunk-wise.
	collector := runtime.NewOutputCollector()
	outputHandler := func(agentID, stream, data string) {
		collector.Collect(agentID, stream, data)
		event := bus.NewEvent(events.WireType(events.AgentOutput), "sandbox-orchestrator", map[string]any{
			"agentId": agentID,
			"stream":  stream,
			"content": data,
		})
		if err := eventBus.Publish(context.Background(), events.AgentOutput, event); err != nil {
			log.Warn("Failed to publish agent output", zap.Error(err))
		}
	}

	// Sandbox orchestrator.
	provider, err := sandbox.NewSpritesProvider(cfg.Sandbox.APIToken)
	if err != nil {
		log.Fatal("Failed to create sandbox provider", zap.Error(err))
	}
	orchestrator := sandbox.NewOrchestrator(provider, repo, eventBus,
		cfg.Sandbox, cfg.Mongo, cfg.LLM, outputHandler, log)

	// Change-stream watchers (Mongo storage only).
	if mongoStore != nil {
		taskWatcher := watcher.NewTaskWatcher(mongoStore, svc, orchestrator, collector, eventBus, log)
		messageWatcher := watcher.NewMessageWatcher(mongoStore, eventBus, log)
		checkpointWatcher := watcher.NewCheckpointWatcher(mongoStore, eventBus, log)
		taskWatcher.Start()
		messageWatcher.Start()
		checkpointWatcher.Start()
		defer func() {
			taskWatcher.Stop()
			messageWatcher.Stop()
			checkpointWatcher.Stop()
		}()
	}

	// WebSocket fan-out.
	hub := websocket.NewHub(log)
	go hub.Run(ctx)
	if err := hub.AttachBus(eventBus); err != nil {
		log.Fatal("Failed to attach event bus to WebSocket hub", zap.Error(err))
	}

	// Heartbeat sweeper: agents that stop reporting are marked errored.
	go sweepHeartbeats(ctx, svc, eventBus, log)

	// HTTP server.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := api.NewHandler(svc, repo, orchestrator, collector, eventBus, log)
	api.SetupRoutes(router, handler)
	router.GET("/ws", websocket.Handler(hub, log))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("rest", "/api"),
		zap.String("websocket", "/ws"),
		zap.String("health", "/health"))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down squadlite...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Trace exporter shutdown error", zap.Error(err))
	}

	log.Info("Squadlite stopped")
}

// sweepHeartbeats periodically marks agents with stale heartbeats as
// errored and announces the status change.
func sweepHeartbeats(ctx context.Context, svc *coordination.Service, eventBus bus.EventBus, log *logger.Logger) {
	ticker := time.NewTicker(heartbeatSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale, err := svc.MarkStaleAgents(ctx, heartbeatMaxAge)
			if err != nil {
				log.Warn("Heartbeat sweep failed", zap.Error(err))
				continue
			}
			for _, agent := range stale {
				event := bus.NewEvent(events.WireType(events.AgentStatus), "heartbeat-sweeper", map[string]any{
					"agentId": agent.AgentID,
					"status":  string(agent.Status),
				})
				if err := eventBus.Publish(ctx, events.AgentStatus, event); err != nil {
					log.Warn("Failed to publish stale agent status", zap.Error(err))
				}
			}
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
