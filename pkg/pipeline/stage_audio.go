package pipeline

import (
	"context"
	"fmt"

	"github.com/clipforge/clipforge/pkg/limits"
	"github.com/clipforge/clipforge/pkg/models"
)

// audioExtractStage pulls the audio track out of the source for
// transcription.
type audioExtractStage struct {
	d *Deps
}

func (s *audioExtractStage) ID() models.StageID { return models.StageAudioExtraction }

func (s *audioExtractStage) Skip(rc *RunContext) (bool, string) {
	if !rc.MediaInfo.HasAudio {
		return true, "source has no audio track"
	}
	return false, ""
}

func (s *audioExtractStage) Run(ctx context.Context, rc *RunContext) error {
	if err := s.d.ensureLocalSource(ctx, rc); err != nil {
		return err
	}

	release, err := s.d.Limits.Acquire(ctx, limits.ResourceAudioExtraction)
	if err != nil {
		return err
	}
	defer release()

	rc.AudioPath = rc.Workspace.Path("audio.wav")
	if err := s.d.Media.ExtractAudio(ctx, rc.SourcePath, rc.AudioPath); err != nil {
		return fmt.Errorf("extracting audio: %w", err)
	}
	return nil
}

// audioUploadStage stores the audio artifact and threads its signed URL
// into the run status for observers.
type audioUploadStage struct {
	d *Deps
}

func (s *audioUploadStage) ID() models.StageID { return models.StageAudioUpload }

func (s *audioUploadStage) Skip(rc *RunContext) (bool, string) {
	if rc.AudioPath == "" {
		return true, "no audio extracted"
	}
	return false, ""
}

func (s *audioUploadStage) Run(ctx context.Context, rc *RunContext) error {
	rc.AudioKey = fmt.Sprintf("%s/audio/%s-%s.wav", rc.SubjectID, rc.RunID, rc.AttemptID)
	if err := s.d.Objects.Put(ctx, rc.AudioKey, rc.AudioPath); err != nil {
		return fmt.Errorf("uploading audio: %w", err)
	}

	url, err := s.d.Objects.SignURL(ctx, rc.AudioKey, s.d.SignedURLTTL)
	if err != nil {
		return fmt.Errorf("signing audio url: %w", err)
	}
	rc.AudioURL = url
	return s.d.Status.SetField(ctx, rc.SubjectID, "audio_signed_url", url)
}
