package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/clipforge/clipforge/pkg/inference"
	"github.com/clipforge/clipforge/pkg/limits"
	"github.com/clipforge/clipforge/pkg/models"
	"github.com/clipforge/clipforge/pkg/repo"
)

// refineStage runs the second model pass over each moment, tightening its
// time bounds. Vision-capable refinement models see the uploaded clip;
// text-only models (and moments whose clip failed) work from the
// transcript. Per-moment failures are recoverable and leave the original
// moment intact.
type refineStage struct {
	d *Deps
}

func (s *refineStage) ID() models.StageID { return models.StageMomentRefinement }

func (s *refineStage) Skip(rc *RunContext) (bool, string) {
	if len(rc.Moments) == 0 {
		return true, "no moments to refine"
	}
	return false, ""
}

func (s *refineStage) Run(ctx context.Context, rc *RunContext) error {
	if err := s.d.Status.SetCounter(ctx, rc.SubjectID, "refinement_total", len(rc.Moments)); err != nil {
		return err
	}

	endpoint, err := s.d.Tunnels.Acquire(ctx, rc.RefinementModel)
	if err != nil {
		return fmt.Errorf("establishing refinement tunnel: %w", err)
	}
	defer endpoint.Release()

	sampling := inference.ResolveSampling(rc.RefinementModel, rc.Config.GenerationParams)

	for i := range rc.Moments {
		// Per-moment cancellation checkpoint.
		if cancelled, err := s.d.Status.IsCancelRequested(ctx, rc.SubjectID); err == nil && cancelled {
			return ErrCancelled
		}

		m := &rc.Moments[i]
		if err := s.refineOne(ctx, rc, endpoint, m, sampling); err != nil {
			slog.Warn("Moment refinement failed",
				"run_id", rc.RunID, "moment", m.Identifier, "error", err)
			rc.RefinementsFailed++
		}
		_ = s.d.Status.IncrCounter(ctx, rc.SubjectID, "refinement_processed", 1)
	}
	return nil
}

func (s *refineStage) refineOne(ctx context.Context, rc *RunContext, endpoint Endpoint, m *models.Moment, sampling inference.Sampling) error {
	release, err := s.d.Limits.Acquire(ctx, limits.ResourceRefinement)
	if err != nil {
		return err
	}
	defer release()

	content := []inference.ContentPart{inference.TextPart(buildRefinementPrompt(rc, *m))}
	if rc.RefinementModel.SupportsVideo && m.ClipURL != "" && !m.ClipFailed {
		content = append(content, inference.VideoPart(m.ClipURL))
	}

	raw, err := s.d.Inference.ChatComplete(ctx, endpoint.EndpointURL(), rc.RefinementModel.ModelID,
		[]inference.Message{{Role: "user", Content: content}}, sampling)
	if err != nil {
		return err
	}

	start, end, err := inference.ParseRefinement(raw)
	if err != nil {
		return err
	}

	refined := repo.Moment{
		VideoID:     rc.Video.ID,
		GenConfigID: rc.GenConfigID,
		Identifier:  m.Identifier + ":refined",
		Title:       m.Title,
		StartTime:   start,
		EndTime:     end,
		IsRefined:   true,
		ParentID:    &m.ID,
	}
	if _, err := s.d.DB.CreateMoments(ctx, []repo.Moment{refined}); err != nil {
		return fmt.Errorf("persisting refined moment: %w", err)
	}
	return nil
}
