// Clipforge worker: a headless process that consumes run requests from the
// stream and executes the pipeline. Several workers may share the consumer
// group; the stream and subject locks keep them from stepping on each other.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

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

// Exit codes: 0 normal shutdown, 1 initialization failure, 2 invalid
// configuration.
const (
	exitOK            = 0
	exitInitFailure   = 1
	exitInvalidConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		envFile        = flag.String("env-file", ".env", "Path to the .env file")
		stream         = flag.String("stream", "", "Request stream key (default from config)")
		group          = flag.String("group", "", "Consumer group name (default from config)")
		consumer       = flag.String("consumer", "", "Stable consumer name (default worker-{host}-{pid})")
		maxConcurrent  = flag.Int("max-concurrent", 0, "Runs processed in parallel (default from config)")
		reclaimIdleMS  = flag.Int64("reclaim-idle-ms", 0, "Pending-entry idle threshold before reclaim, in ms")
		lockTTLSeconds = flag.Int64("lock-ttl-seconds", 0, "Subject lock TTL in seconds")
	)
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		return exitInvalidConfig
	}

	// Flags override the environment-derived config.
	if *stream != "" {
		cfg.Queue.Stream = *stream
	}
	if *group != "" {
		cfg.Queue.Group = *group
	}
	if *consumer != "" {
		cfg.Queue.Consumer = *consumer
	}
	if *maxConcurrent != 0 {
		cfg.Queue.MaxConcurrentRuns = *maxConcurrent
	}
	if *reclaimIdleMS != 0 {
		cfg.Queue.ReclaimMinIdle = time.Duration(*reclaimIdleMS) * time.Millisecond
	}
	if *lockTTLSeconds != 0 {
		cfg.Lock.TTL = time.Duration(*lockTTLSeconds) * time.Second
	}
	if err := cfg.Queue.Validate(); err != nil {
		slog.Error("Invalid queue configuration", "error", err)
		return exitInvalidConfig
	}
	if cfg.Lock.TTL <= 0 {
		slog.Error("Invalid lock TTL", "ttl", cfg.Lock.TTL)
		return exitInvalidConfig
	}

	slog.Info("Starting clipforge worker",
		"stream", cfg.Queue.Stream,
		"group", cfg.Queue.Group,
		"max_concurrent", cfg.Queue.MaxConcurrentRuns)

	ctx := context.Background()

	store, err := coordstore.New(ctx, cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to coordination store", "error", err)
		return exitInitFailure
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing coordination store", "error", err)
		}
	}()

	dbConfig, err := repo.LoadPostgresConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		return exitInvalidConfig
	}
	db, err := repo.NewPostgresStore(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		return exitInitFailure
	}
	defer db.Close()

	reg := registry.New(store)
	if _, err := reg.SeedDefaults(ctx, false); err != nil {
		slog.Error("Failed to seed model descriptors", "error", err)
		return exitInitFailure
	}

	objects, err := storage.NewFileStore(cfg.Storage.Root, os.Getenv("OBJECT_STORE_BASE_URL"), cfg.Storage.Secret)
	if err != nil {
		slog.Error("Failed to open object store", "error", err)
		return exitInitFailure
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
		return exitInitFailure
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig)

	workerPool.Stop()
	slog.Info("Worker shutdown complete")
	return exitOK
}
