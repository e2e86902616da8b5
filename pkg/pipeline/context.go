package pipeline

import (
	"github.com/clipforge/clipforge/pkg/media"
	"github.com/clipforge/clipforge/pkg/models"
	"github.com/clipforge/clipforge/pkg/registry"
	"github.com/clipforge/clipforge/pkg/repo"
)

// RunContext carries one run's state between stages. It is the only medium
// stage outputs flow through; stages never touch global state.
type RunContext struct {
	RunID     string
	SubjectID string
	Config    models.PipelineConfig

	// AttemptID is fresh per execution. Artifact keys include it so a
	// redelivered run never collides with the write-once object store.
	AttemptID string

	Video     repo.Video
	MediaInfo models.MediaInfo

	// Resolved model descriptors, fixed at run start.
	GenerationModel registry.Descriptor
	RefinementModel registry.Descriptor

	Workspace  *media.Workspace
	SourcePath string
	AudioPath  string

	// AudioURL is the signed URL of the uploaded audio artifact.
	AudioKey string
	AudioURL string

	Transcript   *models.Transcript
	TranscriptID int64

	PromptID    int64
	GenConfigID int64

	// Moments carries per-moment working state: persisted ids, clip
	// paths, and upload URLs.
	Moments []models.Moment

	// Recoverable failure counts, folded into the terminal state.
	ClipsFailed       int
	RefinementsFailed int
}

// HasUsableClips reports whether at least one moment has an uploaded clip.
func (rc *RunContext) HasUsableClips() bool {
	for _, m := range rc.Moments {
		if m.ClipURL != "" && !m.ClipFailed {
			return true
		}
	}
	return false
}
