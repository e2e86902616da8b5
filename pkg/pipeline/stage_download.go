package pipeline

import (
	"context"
	"fmt"

	"github.com/clipforge/clipforge/pkg/models"
	"github.com/clipforge/clipforge/pkg/repo"
)

// downloadStage fetches the source video into the workspace, probes it,
// uploads the full media to the object store, and records the probed
// metadata on the video row. A subject whose source is already in the store
// skips the fetch; later stages pull the source down on demand.
type downloadStage struct {
	d *Deps
}

func (s *downloadStage) ID() models.StageID { return models.StageDownload }

func (s *downloadStage) Skip(rc *RunContext) (bool, string) {
	if rc.Video.CloudKey != "" {
		return true, "source already in object store"
	}
	return false, ""
}

func (s *downloadStage) Run(ctx context.Context, rc *RunContext) error {
	rc.SourcePath = rc.Workspace.Path("source.mp4")
	if err := s.d.Downloader.Download(ctx, rc.Video.SourceURL, rc.SourcePath); err != nil {
		return fmt.Errorf("downloading source: %w", err)
	}

	info, err := s.d.Media.Probe(ctx, rc.SourcePath)
	if err != nil {
		return fmt.Errorf("probing source: %w", err)
	}
	rc.MediaInfo = info

	cloudKey := fmt.Sprintf("%s/source/%s-%s.mp4", rc.SubjectID, rc.RunID, rc.AttemptID)
	if err := s.d.Objects.Put(ctx, cloudKey, rc.SourcePath); err != nil {
		return fmt.Errorf("uploading source: %w", err)
	}

	meta := repo.VideoMedia{
		CloudKey:        cloudKey,
		DurationSeconds: info.DurationSeconds,
		Width:           info.Width,
		Height:          info.Height,
		HasAudio:        info.HasAudio,
	}
	if err := s.d.DB.UpdateVideoMedia(ctx, rc.SubjectID, meta); err != nil {
		return fmt.Errorf("persisting source metadata: %w", err)
	}
	rc.Video.CloudKey = cloudKey
	rc.Video.DurationSeconds = info.DurationSeconds
	rc.Video.Width = info.Width
	rc.Video.Height = info.Height
	rc.Video.HasAudio = info.HasAudio
	return nil
}

// ensureLocalSource makes the source media available in the workspace for
// stages that cut or demux it. A no-op when the download stage already
// fetched it; after a skipped download the stored object is pulled down
// through a signed URL.
func (d *Deps) ensureLocalSource(ctx context.Context, rc *RunContext) error {
	if rc.SourcePath != "" {
		return nil
	}
	url, err := d.Objects.SignURL(ctx, rc.Video.CloudKey, d.SignedURLTTL)
	if err != nil {
		return fmt.Errorf("signing stored source url: %w", err)
	}
	dest := rc.Workspace.Path("source.mp4")
	if err := d.Downloader.Download(ctx, url, dest); err != nil {
		return fmt.Errorf("fetching stored source: %w", err)
	}
	rc.SourcePath = dest
	return nil
}
