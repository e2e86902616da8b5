package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clipforge/clipforge/pkg/limits"
	"github.com/clipforge/clipforge/pkg/models"
	"github.com/clipforge/clipforge/pkg/repo"
)

// transcribeStage sends the extracted audio to the transcription service
// and persists the result.
type transcribeStage struct {
	d *Deps
}

func (s *transcribeStage) ID() models.StageID { return models.StageTranscription }

func (s *transcribeStage) Skip(rc *RunContext) (bool, string) {
	if rc.AudioPath == "" {
		return true, "no audio to transcribe"
	}
	return false, ""
}

func (s *transcribeStage) Run(ctx context.Context, rc *RunContext) error {
	release, err := s.d.Limits.Acquire(ctx, limits.ResourceTranscription)
	if err != nil {
		return err
	}
	defer release()

	desc, err := s.d.Models.Get(ctx, s.d.TranscriptionModel)
	if err != nil {
		return fmt.Errorf("resolving transcription model %q: %w", s.d.TranscriptionModel, err)
	}

	endpoint, err := s.d.Tunnels.Acquire(ctx, desc)
	if err != nil {
		return fmt.Errorf("establishing transcription tunnel: %w", err)
	}
	defer endpoint.Release()

	transcript, err := s.d.Inference.Transcribe(ctx, endpoint.EndpointURL(), rc.AudioPath)
	if err != nil {
		return fmt.Errorf("transcribing audio: %w", err)
	}
	rc.Transcript = transcript

	words, err := json.Marshal(transcript.WordTimestamps)
	if err != nil {
		return fmt.Errorf("encoding word timestamps: %w", err)
	}
	segments, err := json.Marshal(transcript.SegmentTimestamps)
	if err != nil {
		return fmt.Errorf("encoding segment timestamps: %w", err)
	}

	id, err := s.d.DB.CreateTranscript(ctx, repo.Transcript{
		VideoID:        rc.Video.ID,
		Text:           transcript.Text,
		WordsJSON:      string(words),
		SegmentsJSON:   string(segments),
		ProcessingTime: transcript.ProcessingTime,
	})
	if err != nil {
		return fmt.Errorf("persisting transcript: %w", err)
	}
	rc.TranscriptID = id
	return nil
}
