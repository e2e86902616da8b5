package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/clipforge/clipforge/pkg/limits"
	"github.com/clipforge/clipforge/pkg/media"
	"github.com/clipforge/clipforge/pkg/models"
	"github.com/clipforge/clipforge/pkg/repo"
)

// clipExtractStage cuts one clip per moment, fanning out up to the clip
// semaphore's capacity. A single failed cut is recoverable: the moment is
// flagged and later stages tolerate the missing clip.
type clipExtractStage struct {
	d *Deps
}

func (s *clipExtractStage) ID() models.StageID { return models.StageClipExtraction }

func (s *clipExtractStage) Skip(rc *RunContext) (bool, string) {
	if !rc.RefinementModel.SupportsVideo {
		return true, fmt.Sprintf("refinement model %s is text-only", rc.RefinementModel.Key)
	}
	return false, ""
}

func (s *clipExtractStage) Run(ctx context.Context, rc *RunContext) error {
	if len(rc.Moments) == 0 {
		return nil
	}
	if err := s.d.ensureLocalSource(ctx, rc); err != nil {
		return err
	}
	if err := s.d.Status.SetCounter(ctx, rc.SubjectID, "clips_total", len(rc.Moments)); err != nil {
		return err
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		cancelled bool
	)
	for i := range rc.Moments {
		// Per-iteration cancellation checkpoint: stop scheduling cuts
		// once the flag is observed, then wait for in-flight ones.
		if isCancelled, err := s.d.Status.IsCancelRequested(ctx, rc.SubjectID); err == nil && isCancelled {
			cancelled = true
			break
		}

		release, err := s.d.Limits.Acquire(ctx, limits.ResourceClipExtraction)
		if err != nil {
			wg.Wait()
			return err
		}

		wg.Add(1)
		go func(m *models.Moment) {
			defer wg.Done()
			defer release()

			window := media.ResolveClipWindow(
				m.StartTime, m.EndTime,
				rc.Config.PaddingLeftSeconds, rc.Config.PaddingRightSeconds,
				rc.MediaInfo.DurationSeconds,
			)
			clipPath := rc.Workspace.Path(fmt.Sprintf("clip-%d.mp4", m.ID))
			if err := s.d.Media.ExtractClip(ctx, rc.SourcePath, clipPath, window); err != nil {
				slog.Warn("Clip extraction failed",
					"run_id", rc.RunID, "moment", m.Identifier, "error", err)
				mu.Lock()
				m.ClipFailed = true
				rc.ClipsFailed++
				mu.Unlock()
				_ = s.d.Status.IncrCounter(ctx, rc.SubjectID, "clips_failed", 1)
				return
			}
			mu.Lock()
			m.ClipPath = clipPath
			mu.Unlock()
		}(&rc.Moments[i])
	}
	wg.Wait()

	if cancelled {
		return ErrCancelled
	}
	return nil
}

// clipUploadStage puts the cut clips in the object store and persists the
// clip rows. Per-clip upload failures are recoverable.
type clipUploadStage struct {
	d *Deps
}

func (s *clipUploadStage) ID() models.StageID { return models.StageClipUpload }

func (s *clipUploadStage) Skip(rc *RunContext) (bool, string) {
	if !rc.RefinementModel.SupportsVideo {
		return true, fmt.Sprintf("refinement model %s is text-only", rc.RefinementModel.Key)
	}
	return false, ""
}

func (s *clipUploadStage) Run(ctx context.Context, rc *RunContext) error {
	for i := range rc.Moments {
		if isCancelled, err := s.d.Status.IsCancelRequested(ctx, rc.SubjectID); err == nil && isCancelled {
			return ErrCancelled
		}

		m := &rc.Moments[i]
		if m.ClipFailed || m.ClipPath == "" {
			continue
		}

		key := fmt.Sprintf("%s/clips/%s/%s/%s.mp4", rc.SubjectID, rc.RunID, rc.AttemptID, m.Identifier)
		if err := s.d.Objects.Put(ctx, key, m.ClipPath); err != nil {
			slog.Warn("Clip upload failed",
				"run_id", rc.RunID, "moment", m.Identifier, "error", err)
			m.ClipFailed = true
			rc.ClipsFailed++
			_ = s.d.Status.IncrCounter(ctx, rc.SubjectID, "clips_failed", 1)
			continue
		}

		url, err := s.d.Objects.SignURL(ctx, key, s.d.SignedURLTTL)
		if err != nil {
			slog.Warn("Clip signing failed",
				"run_id", rc.RunID, "moment", m.Identifier, "error", err)
			m.ClipFailed = true
			rc.ClipsFailed++
			_ = s.d.Status.IncrCounter(ctx, rc.SubjectID, "clips_failed", 1)
			continue
		}
		m.ClipKey = key
		m.ClipURL = url

		if _, err := s.d.DB.CreateClip(ctx, repo.Clip{
			MomentID:  m.ID,
			ObjectKey: key,
			CloudURL:  url,
			PadLeft:   rc.Config.PaddingLeftSeconds,
			PadRight:  rc.Config.PaddingRightSeconds,
		}); err != nil {
			return fmt.Errorf("persisting clip for moment %s: %w", m.Identifier, err)
		}
		_ = s.d.Status.IncrCounter(ctx, rc.SubjectID, "clips_processed", 1)
	}
	return nil
}
