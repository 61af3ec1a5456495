// Package main is the chiefd engine entry point. One process hosts every
// component: storage, session manager, duty and mission schedulers, worker
// executor, messaging core, the MCP tool server and the HTTP gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/chiefd/chiefd/internal/common/config"
	"github.com/chiefd/chiefd/internal/common/logger"
	"github.com/chiefd/chiefd/internal/common/telemetry"
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
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting chiefd...", zap.String("home", cfg.Home.Root))

	// 3. Single-instance lock. A second engine would fight this one over
	// tmux windows and scheduler state.
	if err := os.MkdirAll(cfg.DataDir(), 0o755); err != nil {
		log.Fatal("Failed to create data directory", zap.Error(err))
	}
	lock := flock.New(filepath.Join(cfg.DataDir(), "chiefd.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		log.Fatal("Failed to acquire instance lock", zap.Error(err))
	}
	if !locked {
		log.Fatal("chiefd already running (lock held by another process)")
	}
	defer func() { _ = lock.Unlock() }()

	// 4. Root context, cancelled on the first shutdown signal.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. Storage: pool, migrations, repositories.
	store, repos, closeStore, err := provideStorage(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize storage", zap.Error(err))
	}

	// Settle executions left running by a previous process before anything
	// new dispatches.
	if n, err := repos.Executions.CloseOrphans(ctx); err != nil {
		log.Warn("Boot orphan execution sweep failed", zap.Error(err))
	} else if n > 0 {
		log.Info("Settled executions from previous run", zap.Int("count", n))
	}

	// 6. Event bus (in-memory, or NATS if configured).
	eventBus, closeBus, err := provideEventBus(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}

	// 7. Engine components.
	svcs, err := provideServices(ctx, cfg, log, store, repos, eventBus)
	if err != nil {
		log.Fatal("Failed to initialize services", zap.Error(err))
	}

	// 8. MCP tool server, up before the first agent spawn: every agent's
	// MCP config points at it.
	mcpCleanup, err := provideMcpServer(ctx, cfg, svcs, repos, log)
	if err != nil {
		log.Fatal("Failed to start MCP server", zap.Error(err))
	}

	// 9. Boot reconcile: make sure the eternal conversation has a live
	// agent, then sweep rows orphaned while the engine was down. EnsureChief
	// runs first so a stale chief row is revived with lineage intact rather
	// than swept.
	if _, spawned, err := svcs.Sessions.EnsureChief(ctx); err != nil {
		log.Error("Failed to ensure Chief at boot", zap.Error(err))
	} else if spawned {
		log.Info("Chief spawned at boot")
	}
	if n, err := svcs.Sessions.CleanupOrphans(ctx); err != nil {
		log.Warn("Boot orphan session sweep failed", zap.Error(err))
	} else if n > 0 {
		log.Info("Closed orphaned sessions", zap.Int("count", n))
	}

	// 10. Start the loops. The duty scheduler's first pass catches up runs
	// missed during downtime, so the Chief must already be reconciled.
	if err := svcs.Messaging.Start(ctx); err != nil {
		log.Fatal("Failed to start messaging", zap.Error(err))
	}
	if err := svcs.Missions.Start(ctx); err != nil {
		log.Fatal("Failed to start mission scheduler", zap.Error(err))
	}
	if err := svcs.Duties.Start(ctx); err != nil {
		log.Fatal("Failed to start duty scheduler", zap.Error(err))
	}
	if err := svcs.Workers.Start(ctx); err != nil {
		log.Fatal("Failed to start worker executor", zap.Error(err))
	}

	// 11. HTTP gateway: health, notify-event, SSE stream, websocket tap.
	gatewayCleanup, err := provideGateway(ctx, cfg, svcs, repos, eventBus, log)
	if err != nil {
		log.Fatal("Failed to start gateway", zap.Error(err))
	}

	// 12. Recovery loop.
	go runJanitor(ctx, svcs, repos, log)

	log.Info("chiefd running",
		zap.Int("gateway_port", cfg.Server.Port),
		zap.Int("mcp_port", cfg.Agent.McpServerPort),
		zap.String("tmux_session", cfg.Tmux.Session))

	// 13. Wait for a shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	runGracefulShutdown(svcs, gatewayCleanup, mcpCleanup, closeBus, closeStore, log)
}

// runGracefulShutdown tears the engine down outside-in: HTTP surfaces stop
// accepting work, loops drain, session rows are closed (windows stay up so
// in-flight agent work survives the restart), then bus and store close.
func runGracefulShutdown(
	svcs *Services,
	gatewayCleanup, mcpCleanup, closeBus, closeStore func() error,
	log *logger.Logger,
) {
	log.Info("Shutting down chiefd...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if gatewayCleanup != nil {
		if err := gatewayCleanup(); err != nil {
			log.Error("Gateway shutdown error", zap.Error(err))
		}
	}
	if mcpCleanup != nil {
		if err := mcpCleanup(); err != nil {
			log.Error("MCP server shutdown error", zap.Error(err))
		}
	}

	stopLoop := func(name string, stop func() error) {
		if err := stop(); err != nil {
			log.Error("Component stop error", zap.String("component", name), zap.Error(err))
		}
	}
	stopLoop("worker_executor", svcs.Workers.Stop)
	stopLoop("duty_scheduler", svcs.Duties.Stop)
	stopLoop("mission_scheduler", svcs.Missions.Stop)
	stopLoop("messaging", svcs.Messaging.Stop)

	if err := svcs.Sessions.Shutdown(shutdownCtx); err != nil {
		log.Error("Session shutdown error", zap.Error(err))
	}

	if err := closeBus(); err != nil {
		log.Error("Event bus close error", zap.Error(err))
	}
	if err := closeStore(); err != nil {
		log.Error("Store close error", zap.Error(err))
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Error("Telemetry shutdown error", zap.Error(err))
	}

	log.Info("chiefd stopped")
	_ = log.Sync()
}
