// Package main is the unified entry point for Loom.
// This single binary runs the orchestrator, the HTTP/WebSocket gateway,
// and the optional MCP server with shared infrastructure.
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

	"github.com/loomhq/loom/internal/common/config"
	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/common/tracing"
	"github.com/loomhq/loom/internal/events"
	"github.com/loomhq/loom/internal/gateway"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/mcpserver"
	"github.com/loomhq/loom/internal/orchestrator"
	"github.com/loomhq/loom/internal/orchestrator/runner"
	"github.com/loomhq/loom/internal/orchestrator/streaming"
	"github.com/loomhq/loom/internal/project/store"
	"github.com/loomhq/loom/internal/storage/ledger"
	"github.com/loomhq/loom/internal/team"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/internal/tools/builtin"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
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

	log.Info("Starting Loom...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory, or NATS if configured)
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()

	// 5. Initialize stores
	projectStore, err := store.NewStore(cfg.Storage.DataDir, log)
	if err != nil {
		log.Fatal("Failed to initialize project store", zap.Error(err))
	}

	ledgerStore, err := ledger.Open(cfg, log)
	if err != nil {
		log.Fatal("Failed to open run ledger", zap.Error(err))
	}
	defer func() { _ = ledgerStore.Close() }()

	// 6. Initialize tool registry
	toolRegistry := tools.NewRegistry(log)
	if err := builtin.Register(toolRegistry, eventBus, log); err != nil {
		log.Fatal("Failed to register built-in tools", zap.Error(err))
	}

	// 7. Load team configurations
	teamRegistry, err := team.NewRegistry(cfg.Teams.Dir, log)
	if err != nil {
		log.Fatal("Failed to load team configurations", zap.Error(err))
	}
	log.Info("Teams loaded", zap.Strings("teams", teamRegistry.Names()))

	// 8. Initialize model provider
	provider, err := llm.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize model provider", zap.Error(err))
	}

	// 9. Wire the orchestrator
	taskRunner := runner.New(provider, toolRegistry, projectStore, eventBus, ledgerStore, log)
	coordinator := orchestrator.New(projectStore, eventBus, provider, teamRegistry, taskRunner, ledgerStore, log)

	// 10. HTTP gateway (REST + WebSocket streaming)
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	hub := streaming.NewHub(eventBus, log)
	router := gateway.NewRouter(coordinator, hub, log)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}
	go func() {
		log.Info("Gateway listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start gateway", zap.Error(err))
		}
	}()

	// 11. MCP server (optional)
	var mcpCleanup func() error
	if cfg.MCP.Enabled {
		mcpCfg := mcpserver.DefaultConfig()
		mcpCfg.Port = cfg.MCP.Port
		mcpCfg.GatewayURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
		_, mcpCleanup, err = mcpserver.Provide(ctx, mcpCfg, log)
		if err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
	}

	log.Info("API configured",
		zap.String("http", "/api/v1"),
		zap.String("websocket", "/ws/projects/:id"),
		zap.String("health", "/health"),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Loom...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if mcpCleanup != nil {
		if err := mcpCleanup(); err != nil {
			log.Error("MCP server shutdown error", zap.Error(err))
		}
	}

	hub.CloseAll()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Gateway shutdown error", zap.Error(err))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Loom stopped")
}
