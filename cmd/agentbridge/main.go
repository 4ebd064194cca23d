// agentbridge server: accepts WebSocket clients, ingests agent lifecycle
// events and delivers them in order to the owning user's connections.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/agentbridge/pkg/api"
	"github.com/codeready-toolchain/agentbridge/pkg/auth"
	"github.com/codeready-toolchain/agentbridge/pkg/cleanup"
	"github.com/codeready-toolchain/agentbridge/pkg/config"
	"github.com/codeready-toolchain/agentbridge/pkg/connection"
	"github.com/codeready-toolchain/agentbridge/pkg/events"
	"github.com/codeready-toolchain/agentbridge/pkg/metrics"
	"github.com/codeready-toolchain/agentbridge/pkg/router"
	"github.com/codeready-toolchain/agentbridge/pkg/sequencer"
	"github.com/codeready-toolchain/agentbridge/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")

	slog.Info("Starting agentbridge",
		"version", version.Full(),
		"http_port", httpPort,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Connection registry, replay store and router
	rec := metrics.New()
	registry := connection.NewRegistry(cfg.QueueConfig())
	registry.SetObserver(func(res connection.TransitionResult) {
		rec.StateTransition(res.To.String(), res.Rollback)
	})
	replay := events.NewReplayStore(cfg.Retention.ReplayWindow, cfg.Retention.ReplayMaxPerUser, rec)
	msgRouter := router.New(registry, replay, rec, cfg.RouterConfig())
	registry.AddReleaser(msgRouter)

	// 3. Sequencer, publisher and connection manager
	seq := sequencer.New(msgRouter, rec)
	publisher := events.NewEventPublisher(seq)
	connManager := events.NewConnectionManager(registry, msgRouter, replay, nil, rec, events.ManagerConfig{
		WriteTimeout:         cfg.Streaming.WriteTimeout,
		FlushTimeout:         cfg.Streaming.FlushTimeout,
		ServicesReadyTimeout: cfg.Streaming.ServicesReadyTimeout,
		HeartbeatInterval:    cfg.Streaming.HeartbeatInterval,
	})
	slog.Info("Streaming infrastructure initialized")

	// 4. Retention and idle-connection cleanup
	cleanupService := cleanup.NewService(cfg.Retention, cfg.Streaming.ConnectionCleanupTimeout,
		msgRouter, connManager, replay, seq)
	cleanupService.Start(ctx)
	defer cleanupService.Stop()

	// 5. Create HTTP server
	verifier := auth.NewJWTVerifier(cfg.Auth.Secret, cfg.Auth.Issuer)
	httpServer := api.NewServer(cfg, verifier, connManager, publisher, registry, msgRouter, seq, rec)

	// 6. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("agentbridge started successfully")

	// 7. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown: stop accepting, close connections, then release
	// anything the registry still holds.
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		slog.Error("Registry shutdown error", "error", err)
	}

	slog.Info("Shutdown complete", "active_runs", seq.ActiveRuns(), "pending_connections", registry.Len())
}
