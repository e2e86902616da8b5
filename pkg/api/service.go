// Package api exposes the pipeline over HTTP: run submission, status,
// cancellation, history, and the model registry admin surface. The enqueue
// path validates the config, takes the subject lock, initializes the active
// status, and appends the request to the stream; workers do everything else.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/clipforge/clipforge/pkg/lock"
	"github.com/clipforge/clipforge/pkg/models"
	"github.com/clipforge/clipforge/pkg/queue"
	"github.com/clipforge/clipforge/pkg/registry"
	"github.com/clipforge/clipforge/pkg/repo"
	"github.com/clipforge/clipforge/pkg/status"
)

// Service-level sentinel errors, mapped to HTTP statuses by the handlers.
var (
	// ErrConflict indicates the subject already has an active run.
	ErrConflict = errors.New("subject already has an active run")

	// ErrNotFound indicates no run, active or archived, exists.
	ErrNotFound = errors.New("not found")
)

// ValidationError reports a rejected submission field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Service is the enqueue adapter: the thin interface the HTTP layer calls
// to submit, inspect, and cancel runs.
type Service struct {
	locks      *lock.Manager
	status     *status.Manager
	models     *registry.Registry
	dispatcher *queue.Dispatcher
	db         repo.Store
}

// NewService builds the enqueue service.
func NewService(locks *lock.Manager, statusMgr *status.Manager, reg *registry.Registry, dispatcher *queue.Dispatcher, db repo.Store) *Service {
	return &Service{
		locks:      locks,
		status:     statusMgr,
		models:     reg,
		dispatcher: dispatcher,
		db:         db,
	}
}

// SourceRegistration optionally registers or refreshes the subject's source
// video at submission time.
type SourceRegistration struct {
	URL   string
	Title string
}

// Submit validates the run config, registers the source when one is given,
// takes the subject lock, initializes the active status with state queued,
// and appends the request to the stream. Returns the new run id, ErrConflict
// when the subject has an active run, or a ValidationError.
func (s *Service) Submit(ctx context.Context, subjectID string, cfg models.PipelineConfig, src SourceRegistration) (string, error) {
	if err := s.validate(ctx, subjectID, cfg); err != nil {
		return "", err
	}
	if err := s.registerSource(ctx, subjectID, src); err != nil {
		return "", err
	}

	handle, err := s.locks.Acquire(ctx, subjectID)
	if err != nil {
		if errors.Is(err, lock.ErrLockHeld) {
			return "", fmt.Errorf("%w: %s", ErrConflict, subjectID)
		}
		return "", err
	}

	runID := uuid.NewString()
	if err := s.status.InitializeActive(ctx, subjectID, runID, cfg); err != nil {
		handle.Release(ctx)
		return "", fmt.Errorf("initializing run status: %w", err)
	}
	if _, err := s.dispatcher.Dispatch(ctx, runID, subjectID, cfg, handle.Token); err != nil {
		handle.Release(ctx)
		return "", fmt.Errorf("dispatching run: %w", err)
	}

	slog.Info("Run submitted", "run_id", runID, "subject_id", subjectID,
		"generation_model", cfg.GenerationModel, "refinement_model", cfg.RefinementModel)
	return runID, nil
}

// Status returns the subject's active run status, falling back to the most
// recently archived run. Returns ErrNotFound when neither exists.
func (s *Service) Status(ctx context.Context, subjectID string) (*models.StatusSnapshot, error) {
	snap, err := s.status.ActiveSnapshot(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		return snap, nil
	}

	archived, err := s.status.History(ctx, subjectID, 1)
	if err != nil {
		return nil, err
	}
	if len(archived) == 0 {
		return nil, fmt.Errorf("%w: no runs for subject %s", ErrNotFound, subjectID)
	}
	return &archived[0], nil
}

// Cancel requests a graceful stop of the subject's active run. Idempotent;
// returns ErrNotFound when no run is active.
func (s *Service) Cancel(ctx context.Context, subjectID string) error {
	snap, err := s.status.ActiveSnapshot(ctx, subjectID)
	if err != nil {
		return err
	}
	if snap == nil {
		return fmt.Errorf("%w: no active run for subject %s", ErrNotFound, subjectID)
	}
	return s.status.RequestCancel(ctx, subjectID)
}

// History returns up to limit archived runs, newest first.
func (s *Service) History(ctx context.Context, subjectID string, limit int) ([]models.StatusSnapshot, error) {
	return s.status.History(ctx, subjectID, limit)
}

// registerSource upserts the subject's video row when a source URL is
// submitted, and otherwise requires the subject to already be registered so
// the worker never picks up a run it cannot resolve.
func (s *Service) registerSource(ctx context.Context, subjectID string, src SourceRegistration) error {
	if src.URL != "" {
		if _, err := s.db.CreateVideo(ctx, repo.Video{SubjectID: subjectID, Title: src.Title, SourceURL: src.URL}); err != nil {
			return fmt.Errorf("registering source video: %w", err)
		}
		return nil
	}
	if _, err := s.db.VideoBySubject(ctx, subjectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return &ValidationError{Field: "source_url", Message: "unknown subject; provide source_url to register it"}
		}
		return err
	}
	return nil
}

// validate rejects submissions the pipeline could never run.
func (s *Service) validate(ctx context.Context, subjectID string, cfg models.PipelineConfig) error {
	if subjectID == "" {
		return &ValidationError{Field: "subject_id", Message: "must not be empty"}
	}
	if cfg.GenerationModel == "" {
		return &ValidationError{Field: "generation_model", Message: "must not be empty"}
	}
	if cfg.RefinementModel == "" {
		return &ValidationError{Field: "refinement_model", Message: "must not be empty"}
	}
	for _, key := range []string{cfg.GenerationModel, cfg.RefinementModel} {
		if _, err := s.models.Get(ctx, key); err != nil {
			if errors.Is(err, registry.ErrModelNotRegistered) {
				return &ValidationError{Field: "model", Message: fmt.Sprintf("model %q is not registered", key)}
			}
			return err
		}
	}

	if cfg.PaddingLeftSeconds < 0 || cfg.PaddingRightSeconds < 0 {
		return &ValidationError{Field: "padding", Message: "padding must not be negative"}
	}
	if cfg.MinMoments != nil && *cfg.MinMoments < 0 {
		return &ValidationError{Field: "min_moments", Message: "must not be negative"}
	}
	if cfg.MinMoments != nil && cfg.MaxMoments != nil && *cfg.MinMoments > *cfg.MaxMoments {
		return &ValidationError{Field: "max_moments", Message: "must not be less than min_moments"}
	}
	if cfg.MinMomentLength != nil && *cfg.MinMomentLength < 0 {
		return &ValidationError{Field: "min_moment_length", Message: "must not be negative"}
	}
	if cfg.MinMomentLength != nil && cfg.MaxMomentLength != nil && *cfg.MinMomentLength > *cfg.MaxMomentLength {
		return &ValidationError{Field: "max_moment_length", Message: "must not be less than min_moment_length"}
	}
	if t := cfg.GenerationParams.Temperature; t != nil && (*t < 0 || *t > 2) {
		return &ValidationError{Field: "temperature", Message: "must be in [0, 2]"}
	}
	if p := cfg.GenerationParams.TopP; p != nil && (*p <= 0 || *p > 1) {
		return &ValidationError{Field: "top_p", Message: "must be in (0, 1]"}
	}
	if m := cfg.GenerationParams.MaxTokens; m != nil && *m < 1 {
		return &ValidationError{Field: "max_tokens", Message: "must be positive"}
	}
	return nil
}

const maxHistoryLimit = 50

// clampHistoryLimit normalizes a client-supplied page size.
func clampHistoryLimit(limit int) int {
	if limit < 1 {
		return 10
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
