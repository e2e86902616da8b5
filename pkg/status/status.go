// Package status owns the active-status hash readers poll to observe a run,
// the cancellation flag, and the archival of finished runs into the history
// index. Only the lock-holding worker writes the active hash.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/clipforge/clipforge/pkg/coordstore"
	"github.com/clipforge/clipforge/pkg/models"
)

// Manager writes per-subject run status to the coordination store.
type Manager struct {
	store *coordstore.Store

	cancelTTL      time.Duration
	historyTTL     time.Duration
	historyMaxRuns int
}

// Config bundles the status manager's TTL settings.
type Config struct {
	CancelTTL      time.Duration
	HistoryTTL     time.Duration
	HistoryMaxRuns int
}

// NewManager creates a status manager.
func NewManager(store *coordstore.Store, cfg Config) *Manager {
	if cfg.CancelTTL <= 0 {
		cfg.CancelTTL = 5 * time.Minute
	}
	if cfg.HistoryTTL <= 0 {
		cfg.HistoryTTL = 24 * time.Hour
	}
	if cfg.HistoryMaxRuns <= 0 {
		cfg.HistoryMaxRuns = 50
	}
	return &Manager{
		store:          store,
		cancelTTL:      cfg.CancelTTL,
		historyTTL:     cfg.HistoryTTL,
		historyMaxRuns: cfg.HistoryMaxRuns,
	}
}

// InitializeActive writes the full active-status hash for a freshly queued
// run: top-level fields plus every stage pre-set to pending.
func (m *Manager) InitializeActive(ctx context.Context, subjectID, runID string, cfg models.PipelineConfig) error {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding run config: %w", err)
	}

	fields := map[string]string{
		"run_id":        runID,
		"subject_id":    subjectID,
		"state":         string(models.RunQueued),
		"current_stage": "",
		"config":        string(cfgJSON),
		"queued_at":     now(),
		"started_at":    "",
		"completed_at":  "",
		"error_stage":   "",
		"error_message": "",

		"refinement_total":     "0",
		"refinement_processed": "0",
		"clips_total":          "0",
		"clips_processed":      "0",
		"clips_failed":         "0",
	}
	for _, stage := range models.StageOrder {
		p := string(stage)
		fields[p+"_state"] = string(models.StagePending)
		fields[p+"_started_at"] = ""
		fields[p+"_completed_at"] = ""
		fields[p+"_skip_reason"] = ""
		fields[p+"_error"] = ""
	}

	return m.store.HSet(ctx, coordstore.ActiveKey(subjectID), fields)
}

// SetState updates the run-level state. Terminal states also stamp
// completed_at.
func (m *Manager) SetState(ctx context.Context, subjectID string, state models.RunState) error {
	fields := map[string]string{"state": string(state)}
	switch state {
	case models.RunRunning:
		fields["started_at"] = now()
	case models.RunCompleted, models.RunFailed, models.RunCancelled, models.RunPartial:
		fields["completed_at"] = now()
	}
	return m.store.HSet(ctx, coordstore.ActiveKey(subjectID), fields)
}

// SetError records the failing stage and message at run level.
func (m *Manager) SetError(ctx context.Context, subjectID string, stage models.StageID, msg string) error {
	return m.store.HSet(ctx, coordstore.ActiveKey(subjectID), map[string]string{
		"error_stage":   string(stage),
		"error_message": msg,
	})
}

// MarkStageStarted transitions a stage to running and records it as the
// run's current stage.
func (m *Manager) MarkStageStarted(ctx context.Context, subjectID string, stage models.StageID) error {
	p := string(stage)
	return m.store.HSet(ctx, coordstore.ActiveKey(subjectID), map[string]string{
		"current_stage":   p,
		p + "_state":      string(models.StageRunning),
		p + "_started_at": now(),
	})
}

// MarkStageCompleted transitions a stage to completed.
func (m *Manager) MarkStageCompleted(ctx context.Context, subjectID string, stage models.StageID) error {
	p := string(stage)
	return m.store.HSet(ctx, coordstore.ActiveKey(subjectID), map[string]string{
		p + "_state":        string(models.StageCompleted),
		p + "_completed_at": now(),
	})
}

// MarkStageSkipped transitions a stage to skipped with a reason.
func (m *Manager) MarkStageSkipped(ctx context.Context, subjectID string, stage models.StageID, reason string) error {
	p := string(stage)
	slog.Info("Skipping stage", "subject_id", subjectID, "stage", stage, "reason", reason)
	return m.store.HSet(ctx, coordstore.ActiveKey(subjectID), map[string]string{
		p + "_state":       string(models.StageSkipped),
		p + "_skip_reason": reason,
	})
}

// MarkStageFailed transitions a stage to failed and records the error both
// on the stage and at run level.
func (m *Manager) MarkStageFailed(ctx context.Context, subjectID string, stage models.StageID, stageErr error) error {
	p := string(stage)
	msg := ""
	if stageErr != nil {
		msg = stageErr.Error()
	}
	return m.store.HSet(ctx, coordstore.ActiveKey(subjectID), map[string]string{
		p + "_state":        string(models.StageFailed),
		p + "_completed_at": now(),
		p + "_error":        msg,
		"error_stage":       p,
		"error_message":     msg,
	})
}

// SetField writes an arbitrary top-level field of the active hash. Used to
// thread artifacts between stages (the audio signed URL).
func (m *Manager) SetField(ctx context.Context, subjectID, field, value string) error {
	return m.store.HSet(ctx, coordstore.ActiveKey(subjectID), map[string]string{field: value})
}

// GetField reads one top-level field of the active hash.
func (m *Manager) GetField(ctx context.Context, subjectID, field string) (string, error) {
	val, _, err := m.store.HGet(ctx, coordstore.ActiveKey(subjectID), field)
	return val, err
}

// IncrCounter atomically bumps a progress counter field.
func (m *Manager) IncrCounter(ctx context.Context, subjectID, field string, delta int64) error {
	_, err := m.store.HIncrBy(ctx, coordstore.ActiveKey(subjectID), field, delta)
	return err
}

// SetCounter writes a progress counter field.
func (m *Manager) SetCounter(ctx context.Context, subjectID, field string, value int) error {
	return m.SetField(ctx, subjectID, field, strconv.Itoa(value))
}

// RequestCancel sets the cancellation flag. Idempotent; the flag expires on
// its own if no worker observes it.
func (m *Manager) RequestCancel(ctx context.Context, subjectID string) error {
	return m.store.Set(ctx, coordstore.CancelKey(subjectID), "1", m.cancelTTL)
}

// IsCancelRequested reads the cancellation flag. Called at every stage
// boundary and at checkpoints inside long stages.
func (m *Manager) IsCancelRequested(ctx context.Context, subjectID string) (bool, error) {
	return m.store.Exists(ctx, coordstore.CancelKey(subjectID))
}

// ClearCancel removes the cancellation flag after it has been honored.
func (m *Manager) ClearCancel(ctx context.Context, subjectID string) error {
	return m.store.Del(ctx, coordstore.CancelKey(subjectID))
}

// ActiveSnapshot parses the active-status hash. Returns (nil, nil) when no
// run is active.
func (m *Manager) ActiveSnapshot(ctx context.Context, subjectID string) (*models.StatusSnapshot, error) {
	fields, err := m.store.HGetAll(ctx, coordstore.ActiveKey(subjectID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	snap := parseSnapshot(fields)
	return &snap, nil
}

// RunSnapshot parses an archived run hash. Returns (nil, nil) when the
// archive has expired or never existed.
func (m *Manager) RunSnapshot(ctx context.Context, runID string) (*models.StatusSnapshot, error) {
	fields, err := m.store.HGetAll(ctx, coordstore.RunKey(runID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	snap := parseSnapshot(fields)
	return &snap, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

func parseInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func parseSnapshot(fields map[string]string) models.StatusSnapshot {
	snap := models.StatusSnapshot{
		RunID:        fields["run_id"],
		SubjectID:    fields["subject_id"],
		State:        models.RunState(fields["state"]),
		CurrentStage: models.StageID(fields["current_stage"]),
		QueuedAt:     parseTime(fields["queued_at"]),
		StartedAt:    parseTime(fields["started_at"]),
		CompletedAt:  parseTime(fields["completed_at"]),
		ErrorStage:   fields["error_stage"],
		ErrorMessage: fields["error_message"],
		Stages:       make(map[models.StageID]models.StageSnapshot, len(models.StageOrder)),

		RefinementTotal:     parseInt(fields["refinement_total"]),
		RefinementProcessed: parseInt(fields["refinement_processed"]),
		ClipsTotal:          parseInt(fields["clips_total"]),
		ClipsProcessed:      parseInt(fields["clips_processed"]),
		ClipsFailed:         parseInt(fields["clips_failed"]),
	}
	for _, stage := range models.StageOrder {
		p := string(stage)
		state := models.StageState(fields[p+"_state"])
		if state == "" {
			state = models.StagePending
		}
		snap.Stages[stage] = models.StageSnapshot{
			State:       state,
			StartedAt:   parseTime(fields[p+"_started_at"]),
			CompletedAt: parseTime(fields[p+"_completed_at"]),
			SkipReason:  fields[p+"_skip_reason"],
			Error:       fields[p+"_error"],
		}
	}
	return snap
}
