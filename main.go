package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xiaot623/exectrack/internal/adapter/backend"
	"github.com/xiaot623/exectrack/internal/catalog"
	"github.com/xiaot623/exectrack/internal/config"
	"github.com/xiaot623/exectrack/internal/hub"
	"github.com/xiaot623/exectrack/internal/logging"
	"github.com/xiaot623/exectrack/internal/policy"
	"github.com/xiaot623/exectrack/internal/repository"
	"github.com/xiaot623/exectrack/internal/service"
	"github.com/xiaot623/exectrack/internal/skeleton"
	"github.com/xiaot623/exectrack/internal/stream"
	handler "github.com/xiaot623/exectrack/internal/transport/http"
	"github.com/xiaot623/exectrack/internal/transport/ws"
)

func main() {
	// Load configuration
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)

	logger.Info("starting execution tracker",
		"http_port", cfg.HTTPPort,
		"backend_url", cfg.BackendURL,
		"stream_url", cfg.StreamURL,
		"database", cfg.DatabaseURL,
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize journal store
	db, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize catalog
	cat := catalog.NewStore(logger)
	if cfg.CatalogFile != "" {
		rev, err := cat.LoadFile(cfg.CatalogFile)
		if err != nil {
			logger.Error("failed to load catalog", "path", cfg.CatalogFile, "error", err)
			os.Exit(1)
		}
		logger.Info("catalog loaded", "path", cfg.CatalogFile, "revision", rev)

		watcher := catalog.NewWatcher(cat, cfg.CatalogFile, catalog.WithWatcherLogger(logger))
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Warn("catalog watcher stopped", "error", err)
			}
		}()
	}

	// Initialize ownership policy
	var ownership skeleton.Ownership = cat.Ownership(cfg.AdminPersonas)
	if cfg.OwnershipPolicy == "rego" {
		opts := []policy.Option{
			policy.WithIdentitySource(cat.IdentityRules),
			policy.WithAdminPersonas(cfg.AdminPersonas),
			policy.WithLogger(logger),
		}
		engine, err := policy.NewEngineFromFile(ctx, cfg.PolicyFile, opts...)
		if err != nil {
			logger.Error("failed to initialize policy engine", "error", err)
			os.Exit(1)
		}
		ownership = engine
	}
	builder := skeleton.NewBuilder(ownership)

	// Initialize event streams
	streams := stream.NewManager(stream.Options{
		URL: cfg.StreamURL,
		Policy: stream.Policy{
			Base:        cfg.ReconnectBase,
			Max:         cfg.ReconnectMax,
			MaxAttempts: cfg.ReconnectMaxAttempts,
		},
		PingInterval:   cfg.PingInterval,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxMessageSize: cfg.MaxMessageSize,
		Logger:         logger,
	})

	// Initialize backend client
	backendClient := backend.NewClient(cfg.BackendURL)

	// Initialize view hub
	h := hub.NewHub(logger)
	go h.Run(ctx)

	// Initialize service
	svc := service.New(db, backendClient, streams, cat, builder, h, cfg, logger)
	if cfg.AgentsFromBackend {
		syncCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if _, err := svc.SyncAgents(syncCtx); err != nil {
			logger.Warn("failed to sync agent directory from backend", "error", err)
		}
		cancel()
	}

	// Create HTTP server
	server := handler.NewServer(svc, ws.NewServer(cfg, h, svc, logger))

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("failed to start HTTP server", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("local API started", "port", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down execution tracker")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shutdown HTTP server gracefully", "error", err)
	}
	svc.Close()
	stop()

	logger.Info("execution tracker stopped")
}
