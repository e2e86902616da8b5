// Clipforge server: HTTP enqueue API plus an embedded worker pool that
// drains the run request stream.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/clipforge/clipforge/pkg/api"
	"github.com/clipforge/clipforge/pkg/config"
	"github.com/clipforge/clipforge/pkg/coordstore"
	"github.com/clipforge/clipforge/pkg/inference"
	"github.com/clipforge/clipforge/pkg/limits"
	"github.com/clipforge/clipforge/pkg/lock"
	"github.com/clipforge/clipforge/pkg/media"
	"github.com/clipforge/clipforge/pkg/pipeline"
	"github.com/clipforge/clipforge/pkg/queue"
	"github.com/clipforge/clipforge/pkg/registry"
	"github.com/clipforge/clipforge/pkg/repo"
	"github.com/clipforge/clipforge/pkg/status"
	"github.com/clipforge/clipforge/pkg/storage"
	"github.com/clipforge/clipforge/pkg/tunnel"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	envFile := flag.String("env-file", ".env", "Path to the .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting clipforge", "http_port", httpPort, "redis_addr", cfg.Redis.Addr)

	ctx := context.Background()

	store, err := coordstore.New(ctx, cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to coordination store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing coordination store", "error", err)
		}
	}()

	dbConfig, err := repo.LoadPostgresConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	db, err := repo.NewPostgresStore(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("Connected to relational store", "host", dbConfig.Host, "database", dbConfig.Database)

	reg := registry.New(store)
	if _, err := reg.SeedDefaults(ctx, false); err != nil {
		slog.Error("Failed to seed model descriptors", "error", err)
		os.Exit(1)
	}

	objects, err := storage.NewFileStore(cfg.Storage.Root,
		getEnv("OBJECT_STORE_BASE_URL", "http://localhost:"+httpPort+"/artifacts"),
		cfg.Storage.Secret)
	if err != nil {
		slog.Error("Failed to open object store", "error", err)
		os.Exit(1)
	}

	locks := lock.NewManager(store, cfg.Lock.TTL)
	statusMgr := status.NewManager(store, status.Config{
		CancelTTL:      cfg.Lock.CancelTTL,
		HistoryTTL:     cfg.Storage.HistoryTTL,
		HistoryMaxRuns: cfg.Storage.HistoryMaxRuns,
	})

	tunnels := tunnel.NewManager(cfg.Tunnel)
	defer tunnels.Shutdown()

	orchestrator := pipeline.NewOrchestrator(&pipeline.Deps{
		Status:     statusMgr,
		Models:     reg,
		Tunnels:    pipeline.TunnelsFrom(tunnels),
		Inference:  inference.NewClient(cfg.Inference),
		Media:      media.NewProcessor(cfg.Media),
		Downloader: media.NewDownloader(cfg.Media.DownloadTimeout),
		Objects:    objects,
		DB:         db,
		Limits: limits.NewGovernor(limits.Capacities{
			AudioExtraction: int(cfg.Limits.AudioExtraction),
			Transcription:   int(cfg.Limits.Transcription),
			Generation:      int(cfg.Limits.MomentGeneration),
			ClipExtraction:  int(cfg.Limits.ClipExtraction),
			Refinement:      int(cfg.Limits.Refinement),
		}),
		TempDir:            cfg.Media.TempDir,
		SignedURLTTL:       cfg.Storage.SignedURLTTL,
		TranscriptionModel: cfg.TranscriptionModel,
	})

	workerPool := queue.NewWorkerPool(store, cfg.Queue, locks, statusMgr, db, orchestrator)
	if err := workerPool.Start(ctx, store); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	dispatcher, err := queue.NewDispatcher(ctx, store, cfg.Queue.Stream, cfg.Queue.Group)
	if err != nil {
		slog.Error("Failed to create dispatcher", "error", err)
		os.Exit(1)
	}
	service := api.NewService(locks, statusMgr, reg, dispatcher, db)
	server := api.NewServer(service, reg, store, workerPool, objects)

	httpServer := &http.Server{
		Addr:              ":" + httpPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	// In-flight runs get the graceful window to reach a terminal state.
	workerPool.Stop()

	slog.Info("Shutdown complete")
}
