package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clipforge/clipforge/pkg/config"
	"github.com/clipforge/clipforge/pkg/coordstore"
	"github.com/clipforge/clipforge/pkg/lock"
	"github.com/clipforge/clipforge/pkg/models"
	"github.com/clipforge/clipforge/pkg/repo"
	"github.com/clipforge/clipforge/pkg/status"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth is a point-in-time view of one worker.
type WorkerHealth struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	CurrentRunID  string       `json:"current_run_id,omitempty"`
	RunsProcessed int          `json:"runs_processed"`
	LastActivity  time.Time    `json:"last_activity"`
}

// Executor runs one pipeline run to a terminal state.
type Executor interface {
	Execute(ctx context.Context, runID, subjectID string, cfg models.PipelineConfig, handle *lock.Handle) (models.RunState, error)
}

// Worker is a single stream consumer: it reads run requests, adopts the
// subject lock, executes the run, and acknowledges the entry only after the
// terminal state is archived.
type Worker struct {
	id       string
	consumer string
	store    *coordstore.Store
	cfg      config.QueueConfig
	locks    *lock.Manager
	status   *status.Manager
	db       repo.Store
	executor Executor

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	lastReclaim time.Time

	// Health tracking
	mu            sync.RWMutex
	health        WorkerStatus
	currentRunID  string
	runsProcessed int
	lastActivity  time.Time
}

// NewWorker creates a queue worker. consumer is this worker's stable stream
// consumer name.
func NewWorker(id, consumer string, store *coordstore.Store, cfg config.QueueConfig, locks *lock.Manager, statusMgr *status.Manager, db repo.Store, executor Executor) *Worker {
	return &Worker{
		id:           id,
		consumer:     consumer,
		store:        store,
		cfg:          cfg,
		locks:        locks,
		status:       statusMgr,
		db:           db,
		executor:     executor,
		stopCh:       make(chan struct{}),
		health:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for the in-flight run to reach
// a terminal state. Safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        w.health,
		CurrentRunID:  w.currentRunID,
		RunsProcessed: w.runsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "consumer", w.consumer)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				log.Error("Error processing run", "error", err)
				w.sleep(time.Second) // brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess reads the next entry, falling back to reclaiming stale
// pending entries from crashed consumers on the reclaim interval.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	entries, err := w.store.XReadGroup(ctx, w.cfg.Stream, w.cfg.Group, w.consumer, 1, w.cfg.BlockTimeout)
	if err != nil {
		return fmt.Errorf("reading request stream: %w", err)
	}

	if len(entries) == 0 && time.Since(w.lastReclaim) >= w.cfg.ReclaimInterval {
		w.lastReclaim = time.Now()
		entries, err = w.store.XAutoClaim(ctx, w.cfg.Stream, w.cfg.Group, w.consumer, w.cfg.ReclaimMinIdle, 1)
		if err != nil {
			return fmt.Errorf("reclaiming stale entries: %w", err)
		}
		if len(entries) > 0 {
			slog.Info("Reclaimed stale stream entry",
				"worker_id", w.id, "entry_id", entries[0].ID)
		}
	}

	for _, entry := range entries {
		if err := w.process(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// process executes one run request end to end. The stream entry is
// acknowledged only after the run reached a terminal state and was
// archived, so a crash anywhere before that re-delivers the entry.
func (w *Worker) process(ctx context.Context, entry coordstore.Entry) error {
	req, err := decodeRequest(entry)
	if err != nil {
		// A malformed entry would be re-delivered forever; drop it.
		slog.Error("Dropping malformed stream entry", "entry_id", entry.ID, "error", err)
		return w.store.XAck(ctx, w.cfg.Stream, w.cfg.Group, entry.ID)
	}

	log := slog.With("run_id", req.RunID, "subject_id", req.SubjectID, "worker_id", w.id)

	handle, err := w.locks.Adopt(ctx, req.SubjectID, req.LockToken)
	if err != nil {
		if errors.Is(err, lock.ErrLockHeld) {
			// Another holder owns the subject; this entry is stale or a
			// duplicate delivery of a run that is already being handled.
			log.Warn("Subject lock held elsewhere, dropping entry", "entry_id", entry.ID)
			return w.store.XAck(ctx, w.cfg.Stream, w.cfg.Group, entry.ID)
		}
		return fmt.Errorf("adopting subject lock: %w", err)
	}
	defer handle.Release(context.WithoutCancel(ctx))

	// A redelivered entry may find no active status (a crashed worker
	// archived nothing); rebuild it so the run starts from a clean slate.
	if snap, err := w.status.ActiveSnapshot(ctx, req.SubjectID); err != nil {
		return fmt.Errorf("checking active status: %w", err)
	} else if snap == nil || snap.RunID != req.RunID {
		if err := w.status.InitializeActive(ctx, req.SubjectID, req.RunID, req.Config); err != nil {
			return fmt.Errorf("initializing run status: %w", err)
		}
	}

	w.setStatus(WorkerStatusWorking, req.RunID)
	defer w.setStatus(WorkerStatusIdle, "")
	log.Info("Run claimed", "entry_id", entry.ID)

	state, execErr := w.executor.Execute(ctx, req.RunID, req.SubjectID, req.Config, handle)
	if execErr != nil {
		log.Error("Run ended with error", "state", state, "error", execErr)
	}

	// Terminal bookkeeping uses a background-derived context: the worker
	// may be shutting down, but the archive must still land.
	finCtx := context.WithoutCancel(ctx)
	w.recordHistory(finCtx, req, state)

	if state == models.RunCancelled {
		if err := w.status.ClearCancel(finCtx, req.SubjectID); err != nil {
			log.Warn("Failed to clear cancel flag", "error", err)
		}
	}

	if err := w.status.Archive(finCtx, req.SubjectID, req.RunID); err != nil {
		return fmt.Errorf("archiving run %s: %w", req.RunID, err)
	}
	if err := w.store.XAck(finCtx, w.cfg.Stream, w.cfg.Group, entry.ID); err != nil {
		return fmt.Errorf("acknowledging entry %s: %w", entry.ID, err)
	}

	w.mu.Lock()
	w.runsProcessed++
	w.mu.Unlock()

	log.Info("Run processing complete", "state", state)
	return nil
}

// recordHistory writes the durable history row. Best effort: the
// coordination-store archive is the operational record.
func (w *Worker) recordHistory(ctx context.Context, req Request, state models.RunState) {
	snap, err := w.status.ActiveSnapshot(ctx, req.SubjectID)
	if err != nil || snap == nil {
		slog.Warn("No active status for history record", "run_id", req.RunID, "error", err)
		return
	}
	if _, err := w.db.CreateHistoryEntry(ctx, repo.HistoryEntry{
		RunID:        req.RunID,
		SubjectID:    req.SubjectID,
		State:        string(state),
		ErrorStage:   snap.ErrorStage,
		ErrorMessage: snap.ErrorMessage,
		StartedAt:    snap.StartedAt,
		CompletedAt:  snap.CompletedAt,
	}); err != nil {
		slog.Warn("Failed to record run history", "run_id", req.RunID, "error", err)
	}
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(health WorkerStatus, runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.health = health
	w.currentRunID = runID
	w.lastActivity = time.Now()
}
