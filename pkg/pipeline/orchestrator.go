package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clipforge/clipforge/pkg/lock"
	"github.com/clipforge/clipforge/pkg/media"
	"github.com/clipforge/clipforge/pkg/models"
)

// Stage is one step of the workflow. Skip is consulted after the
// predecessors finish; a skipped stage is terminal without running.
type Stage interface {
	ID() models.StageID

	// Skip reports whether the stage should be skipped for this run, with
	// a human-readable reason.
	Skip(rc *RunContext) (bool, string)

	Run(ctx context.Context, rc *RunContext) error
}

// Orchestrator executes runs stage by stage.
type Orchestrator struct {
	deps   *Deps
	stages []Stage
}

// NewOrchestrator builds the orchestrator with the fixed stage sequence.
func NewOrchestrator(deps *Deps) *Orchestrator {
	return &Orchestrator{
		deps: deps,
		stages: []Stage{
			&downloadStage{deps},
			&audioExtractStage{deps},
			&audioUploadStage{deps},
			&transcribeStage{deps},
			&generateStage{deps},
			&clipExtractStage{deps},
			&clipUploadStage{deps},
			&refineStage{deps},
		},
	}
}

// Execute runs the full workflow for one run and returns its terminal
// state. The caller owns the subject lock handle and the post-terminal
// archive; Execute refreshes the lock at each stage boundary and writes all
// status transitions including the terminal one.
func (o *Orchestrator) Execute(ctx context.Context, runID, subjectID string, cfg models.PipelineConfig, lockHandle *lock.Handle) (models.RunState, error) {
	log := slog.With("run_id", runID, "subject_id", subjectID)

	rc := &RunContext{
		RunID:     runID,
		SubjectID: subjectID,
		Config:    cfg,
		AttemptID: uuid.NewString()[:8],
	}

	if err := o.prepare(ctx, rc); err != nil {
		log.Error("Run preparation failed", "error", err)
		return o.finish(ctx, rc, models.RunFailed, "", err)
	}
	defer rc.Workspace.Cleanup()

	if err := o.deps.Status.SetState(ctx, subjectID, models.RunRunning); err != nil {
		return models.RunFailed, fmt.Errorf("marking run running: %w", err)
	}
	log.Info("Run started", "generation_model", cfg.GenerationModel, "refinement_model", cfg.RefinementModel)

	// Stages run under a context cancelled when the cancellation flag is
	// set, so acquires blocked on a semaphore and in-flight inference calls
	// unblock instead of waiting out the stage. Status writes and the
	// terminal transition stay on the parent context.
	runCtx, stopWatch := o.watchCancel(ctx, subjectID)
	defer stopWatch()

	for _, stage := range o.stages {
		cancelled, err := o.deps.Status.IsCancelRequested(ctx, subjectID)
		if err != nil {
			return o.finish(ctx, rc, models.RunFailed, stage.ID(), fmt.Errorf("checking cancel flag: %w", err))
		}
		if cancelled {
			log.Info("Cancellation observed at stage boundary", "stage", stage.ID())
			return o.finish(ctx, rc, models.RunCancelled, stage.ID(), ErrCancelled)
		}

		if err := lockHandle.Refresh(ctx); err != nil {
			if errors.Is(err, lock.ErrLockLost) {
				log.Error("Lock lost mid-run, aborting", "stage", stage.ID())
				return o.finish(ctx, rc, models.RunFailed, stage.ID(), ErrLockLost)
			}
			return o.finish(ctx, rc, models.RunFailed, stage.ID(), fmt.Errorf("refreshing lock: %w", err))
		}

		if skip, reason := stage.Skip(rc); skip {
			if err := o.deps.Status.MarkStageSkipped(ctx, subjectID, stage.ID(), reason); err != nil {
				return o.finish(ctx, rc, models.RunFailed, stage.ID(), err)
			}
			continue
		}

		if err := o.deps.Status.MarkStageStarted(ctx, subjectID, stage.ID()); err != nil {
			return o.finish(ctx, rc, models.RunFailed, stage.ID(), err)
		}
		log.Info("Stage started", "stage", stage.ID())

		if err := stage.Run(runCtx, rc); err != nil {
			// A stage interrupted by the watcher surfaces context.Canceled
			// rather than ErrCancelled; re-read the flag to classify.
			flagged, cerr := o.deps.Status.IsCancelRequested(ctx, subjectID)
			if errors.Is(err, ErrCancelled) || (cerr == nil && flagged) {
				log.Info("Cancellation observed inside stage", "stage", stage.ID())
				return o.finish(ctx, rc, models.RunCancelled, stage.ID(), ErrCancelled)
			}
			log.Error("Stage failed", "stage", stage.ID(), "error", err)
			_ = o.deps.Status.MarkStageFailed(ctx, subjectID, stage.ID(), err)
			return o.finish(ctx, rc, models.RunFailed, stage.ID(), err)
		}

		if err := o.deps.Status.MarkStageCompleted(ctx, subjectID, stage.ID()); err != nil {
			return o.finish(ctx, rc, models.RunFailed, stage.ID(), err)
		}
		log.Info("Stage completed", "stage", stage.ID())
	}

	state := models.RunCompleted
	if rc.ClipsFailed > 0 || rc.RefinementsFailed > 0 {
		state = models.RunPartial
	}
	return o.finish(ctx, rc, state, "", nil)
}

// cancelPollInterval is how often the run-context watcher re-reads the
// cancellation flag while a stage executes.
const cancelPollInterval = 250 * time.Millisecond

// watchCancel derives the context stages run under and cancels it once the
// cancellation flag is set. The returned stop func ends the watcher and must
// be called before Execute returns.
func (o *Orchestrator) watchCancel(ctx context.Context, subjectID string) (context.Context, func()) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if flagged, err := o.deps.Status.IsCancelRequested(ctx, subjectID); err == nil && flagged {
					cancel()
					return
				}
			}
		}
	}()
	return runCtx, func() {
		cancel()
		<-done
	}
}

// prepare resolves the source video and model descriptors and creates the
// run workspace. Failures here fail the run before the first stage starts.
func (o *Orchestrator) prepare(ctx context.Context, rc *RunContext) error {
	video, err := o.deps.DB.VideoBySubject(ctx, rc.SubjectID)
	if err != nil {
		return fmt.Errorf("resolving subject video: %w", err)
	}
	rc.Video = video
	if video.CloudKey != "" {
		// A registered source carries its probed metadata; the download
		// stage will skip and later stages read it from here.
		rc.MediaInfo = models.MediaInfo{
			DurationSeconds: video.DurationSeconds,
			Width:           video.Width,
			Height:          video.Height,
			HasAudio:        video.HasAudio,
		}
	}

	genModel, err := o.deps.Models.Get(ctx, rc.Config.GenerationModel)
	if err != nil {
		return fmt.Errorf("resolving generation model %q: %w", rc.Config.GenerationModel, err)
	}
	rc.GenerationModel = genModel

	refModel, err := o.deps.Models.Get(ctx, rc.Config.RefinementModel)
	if err != nil {
		return fmt.Errorf("resolving refinement model %q: %w", rc.Config.RefinementModel, err)
	}
	rc.RefinementModel = refModel

	ws, err := media.NewWorkspace(o.deps.TempDir, rc.RunID)
	if err != nil {
		return err
	}
	rc.Workspace = ws
	return nil
}

// finish writes the terminal status fields. The terminal precedence is
// cancelled over failed over partial over completed, which the call sites
// encode by classifying before calling.
func (o *Orchestrator) finish(ctx context.Context, rc *RunContext, state models.RunState, stage models.StageID, cause error) (models.RunState, error) {
	if cause != nil && state != models.RunCancelled {
		_ = o.deps.Status.SetError(ctx, rc.SubjectID, stage, cause.Error())
	}
	if err := o.deps.Status.SetState(ctx, rc.SubjectID, state); err != nil {
		slog.Error("Failed to write terminal run state",
			"run_id", rc.RunID, "subject_id", rc.SubjectID, "state", state, "error", err)
	}
	slog.Info("Run finished", "run_id", rc.RunID, "subject_id", rc.SubjectID, "state", state)

	if cause != nil && !errors.Is(cause, ErrCancelled) {
		return state, cause
	}
	return state, nil
}
