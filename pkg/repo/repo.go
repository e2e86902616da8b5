// Package repo is the thin persistence layer over the relational store. The
// pipeline consumes the Store interface; Postgres backs production and a
// memory implementation backs tests.
package repo

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("record not found")

// Video is a registered source video, the subject of pipeline runs. CloudKey
// and the media fields are filled in by the download stage on the first run;
// a non-empty CloudKey lets later runs skip re-downloading the source.
type Video struct {
	ID              int64
	SubjectID       string
	Title           string
	SourceURL       string
	CloudKey        string
	DurationSeconds float64
	Width           int
	Height          int
	HasAudio        bool
	CreatedAt       time.Time
}

// VideoMedia is the probed metadata and object key recorded after the
// source is fetched and uploaded.
type VideoMedia struct {
	CloudKey        string
	DurationSeconds float64
	Width           int
	Height          int
	HasAudio        bool
}

// Transcript is a stored transcription for a video.
type Transcript struct {
	ID             int64
	VideoID        int64
	Text           string
	WordsJSON      string
	SegmentsJSON   string
	ProcessingTime float64
	CreatedAt      time.Time
}

// Prompt is the exact prompt text sent to a model, kept for provenance.
type Prompt struct {
	ID        int64
	Kind      string // "generation" or "refinement"
	ModelKey  string
	Text      string
	CreatedAt time.Time
}

// GenerationConfig captures the model and sampling parameters a set of
// moments was generated with.
type GenerationConfig struct {
	ID         int64
	ModelKey   string
	PromptID   int64
	ParamsJSON string
	CreatedAt  time.Time
}

// Moment is a stored highlight candidate. Refined moments point at their
// original via ParentID.
type Moment struct {
	ID           int64
	VideoID      int64
	GenConfigID  int64
	Identifier   string
	Title        string
	StartTime    float64
	EndTime      float64
	IsRefined    bool
	ParentID     *int64
	CreatedAt    time.Time
}

// Clip is an extracted and uploaded clip for one moment.
type Clip struct {
	ID        int64
	MomentID  int64
	ObjectKey string
	CloudURL  string
	PadLeft   float64
	PadRight  float64
	CreatedAt time.Time
}

// HistoryEntry is the durable record of a finished run.
type HistoryEntry struct {
	ID           int64
	RunID        string
	SubjectID    string
	State        string
	ErrorStage   string
	ErrorMessage string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
}

// Store is the persistence interface the pipeline consumes.
type Store interface {
	// VideoBySubject resolves the source video for a subject id. Returns
	// ErrNotFound for unknown subjects.
	VideoBySubject(ctx context.Context, subjectID string) (Video, error)

	// CreateVideo registers a source video, idempotent by subject id: an
	// existing subject keeps its row and id, with title and source URL
	// refreshed. Returns the row id.
	CreateVideo(ctx context.Context, v Video) (int64, error)

	// UpdateVideoMedia records the object key and probed metadata for a
	// subject's video.
	UpdateVideoMedia(ctx context.Context, subjectID string, m VideoMedia) error

	// CreateTranscript stores a transcript and returns its id.
	CreateTranscript(ctx context.Context, t Transcript) (int64, error)

	// CreatePrompt stores a prompt and returns its id.
	CreatePrompt(ctx context.Context, p Prompt) (int64, error)

	// CreateGenerationConfig stores a generation config and returns its id.
	CreateGenerationConfig(ctx context.Context, g GenerationConfig) (int64, error)

	// CreateMoments bulk-inserts moments within one transaction,
	// idempotent by identifier: an existing identifier keeps its row and
	// id. Returns ids aligned with the input slice.
	CreateMoments(ctx context.Context, moments []Moment) ([]int64, error)

	// CreateClip stores a clip, idempotent by moment id.
	CreateClip(ctx context.Context, c Clip) (int64, error)

	// CreateHistoryEntry records a finished run.
	CreateHistoryEntry(ctx context.Context, h HistoryEntry) (int64, error)
}
