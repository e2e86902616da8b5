package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/clipforge/clipforge/pkg/config"
	"github.com/clipforge/clipforge/pkg/coordstore"
	"github.com/clipforge/clipforge/pkg/lock"
	"github.com/clipforge/clipforge/pkg/repo"
	"github.com/clipforge/clipforge/pkg/status"
)

// WorkerPool runs max-concurrent-runs workers against the request stream.
type WorkerPool struct {
	workers []*Worker
	cfg     config.QueueConfig
}

// NewWorkerPool builds the pool. Each worker gets its own stream consumer
// name derived from the configured consumer prefix (or host and pid).
func NewWorkerPool(store *coordstore.Store, cfg config.QueueConfig, locks *lock.Manager, statusMgr *status.Manager, db repo.Store, executor Executor) *WorkerPool {
	base := cfg.Consumer
	if base == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		base = fmt.Sprintf("worker-%s-%d", host, os.Getpid())
	}

	workers := make([]*Worker, cfg.MaxConcurrentRuns)
	for i := range workers {
		id := fmt.Sprintf("%s-%d", base, i)
		workers[i] = NewWorker(id, id, store, cfg, locks, statusMgr, db, executor)
	}
	return &WorkerPool{workers: workers, cfg: cfg}
}

// Start ensures the consumer group exists and starts all workers.
func (p *WorkerPool) Start(ctx context.Context, store *coordstore.Store) error {
	if err := store.EnsureGroup(ctx, p.cfg.Stream, p.cfg.Group); err != nil {
		return fmt.Errorf("ensuring consumer group: %w", err)
	}
	for _, w := range p.workers {
		w.Start(ctx)
	}
	slog.Info("Worker pool started", "workers", len(p.workers), "stream", p.cfg.Stream, "group", p.cfg.Group)
	return nil
}

// Stop drains the pool: workers stop accepting new entries and in-flight
// runs get up to the graceful shutdown window to reach a terminal state.
func (p *WorkerPool) Stop() {
	slog.Info("Worker pool stopping", "grace", p.cfg.GracefulShutdownTimeout)

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, w := range p.workers {
			wg.Add(1)
			go func(w *Worker) {
				defer wg.Done()
				w.Stop()
			}(w)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Worker pool stopped cleanly")
	case <-time.After(p.cfg.GracefulShutdownTimeout):
		slog.Warn("Worker pool shutdown grace window elapsed with runs still in flight")
	}
}

// Health returns the health of every worker in the pool.
func (p *WorkerPool) Health() []WorkerHealth {
	healths := make([]WorkerHealth, len(p.workers))
	for i, w := range p.workers {
		healths[i] = w.Health()
	}
	return healths
}
