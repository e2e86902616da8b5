package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clipforge/clipforge/pkg/inference"
	"github.com/clipforge/clipforge/pkg/limits"
	"github.com/clipforge/clipforge/pkg/models"
	"github.com/clipforge/clipforge/pkg/repo"
)

// generateStage asks the generation model for candidate moments and
// persists the prompt, the generation config, and the moment rows.
type generateStage struct {
	d *Deps
}

func (s *generateStage) ID() models.StageID { return models.StageMomentGeneration }

func (s *generateStage) Skip(rc *RunContext) (bool, string) { return false, "" }

func (s *generateStage) Run(ctx context.Context, rc *RunContext) error {
	release, err := s.d.Limits.Acquire(ctx, limits.ResourceGeneration)
	if err != nil {
		return err
	}
	defer release()

	endpoint, err := s.d.Tunnels.Acquire(ctx, rc.GenerationModel)
	if err != nil {
		return fmt.Errorf("establishing generation tunnel: %w", err)
	}
	defer endpoint.Release()

	promptText := buildGenerationPrompt(rc)
	content := []inference.ContentPart{inference.TextPart(promptText)}
	if rc.GenerationModel.SupportsVideo {
		videoURL := rc.Video.SourceURL
		if rc.Video.CloudKey != "" {
			signed, err := s.d.Objects.SignURL(ctx, rc.Video.CloudKey, s.d.SignedURLTTL)
			if err != nil {
				return fmt.Errorf("signing source video url: %w", err)
			}
			videoURL = signed
		}
		if videoURL != "" {
			content = append(content, inference.VideoPart(videoURL))
		}
	}

	sampling := inference.ResolveSampling(rc.GenerationModel, rc.Config.GenerationParams)
	raw, err := s.d.Inference.ChatComplete(ctx, endpoint.EndpointURL(), rc.GenerationModel.ModelID,
		[]inference.Message{{Role: "user", Content: content}}, sampling)
	if err != nil {
		return fmt.Errorf("generating moments: %w", err)
	}

	moments, err := inference.ParseMoments(raw)
	if err != nil {
		return fmt.Errorf("parsing generated moments: %w", err)
	}

	promptID, err := s.d.DB.CreatePrompt(ctx, repo.Prompt{
		Kind:     "generation",
		ModelKey: rc.GenerationModel.Key,
		Text:     promptText,
	})
	if err != nil {
		return fmt.Errorf("persisting generation prompt: %w", err)
	}
	rc.PromptID = promptID

	paramsJSON, err := json.Marshal(sampling)
	if err != nil {
		return fmt.Errorf("encoding sampling params: %w", err)
	}
	genID, err := s.d.DB.CreateGenerationConfig(ctx, repo.GenerationConfig{
		ModelKey:   rc.GenerationModel.Key,
		PromptID:   promptID,
		ParamsJSON: string(paramsJSON),
	})
	if err != nil {
		return fmt.Errorf("persisting generation config: %w", err)
	}
	rc.GenConfigID = genID

	// An empty moment list is a valid result; downstream stages no-op.
	if len(moments) == 0 {
		rc.Moments = nil
		return nil
	}

	rows := make([]repo.Moment, len(moments))
	for i := range moments {
		moments[i].Identifier = fmt.Sprintf("%s:%d", rc.RunID, i)
		rows[i] = repo.Moment{
			VideoID:     rc.Video.ID,
			GenConfigID: genID,
			Identifier:  moments[i].Identifier,
			Title:       moments[i].Title,
			StartTime:   moments[i].StartTime,
			EndTime:     moments[i].EndTime,
		}
	}
	ids, err := s.d.DB.CreateMoments(ctx, rows)
	if err != nil {
		return fmt.Errorf("persisting moments: %w", err)
	}
	for i := range moments {
		moments[i].ID = ids[i]
	}
	rc.Moments = moments
	return nil
}
