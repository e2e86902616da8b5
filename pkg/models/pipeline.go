// Package models defines the shared domain types of the pipeline: stage and
// run state machines, run configuration, status snapshots, and the moment
// and media records stages pass between each other.
package models

import "time"

// StageID identifies one of the fixed pipeline stages.
type StageID string

// Pipeline stages, in execution order.
const (
	StageDownload         StageID = "download"
	StageAudioExtraction  StageID = "audio_extraction"
	StageAudioUpload      StageID = "audio_upload"
	StageTranscription    StageID = "transcription"
	StageMomentGeneration StageID = "moment_generation"
	StageClipExtraction   StageID = "clip_extraction"
	StageClipUpload       StageID = "clip_upload"
	StageMomentRefinement StageID = "moment_refinement"
)

// StageOrder is the fixed execution order. A stage may only start after all
// its predecessors are completed or skipped.
var StageOrder = []StageID{
	StageDownload,
	StageAudioExtraction,
	StageAudioUpload,
	StageTranscription,
	StageMomentGeneration,
	StageClipExtraction,
	StageClipUpload,
	StageMomentRefinement,
}

// StageState is the lifecycle state of a single stage within a run.
type StageState string

// Stage lifecycle states.
const (
	StagePending   StageState = "pending"
	StageRunning   StageState = "running"
	StageCompleted StageState = "completed"
	StageSkipped   StageState = "skipped"
	StageFailed    StageState = "failed"
)

// Terminal reports whether the stage has finished, successfully or not.
func (s StageState) Terminal() bool {
	return s == StageCompleted || s == StageSkipped || s == StageFailed
}

// RunState is the lifecycle state of a pipeline run.
type RunState string

// Run lifecycle states.
const (
	RunQueued    RunState = "queued"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
	RunPartial   RunState = "partial"
)

// Terminal reports whether the run has reached a final state.
func (s RunState) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunPartial:
		return true
	}
	return false
}

// GenerationParams are optional sampling overrides for an inference call.
// Nil fields fall back to the model descriptor's defaults.
type GenerationParams struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// PipelineConfig is the per-run configuration captured at enqueue time.
type PipelineConfig struct {
	GenerationModel  string           `json:"generation_model"`
	RefinementModel  string           `json:"refinement_model"`
	GenerationParams GenerationParams `json:"generation_params"`

	PaddingLeftSeconds  float64 `json:"padding_left_seconds"`
	PaddingRightSeconds float64 `json:"padding_right_seconds"`

	MinMoments      *int     `json:"min_moments,omitempty"`
	MaxMoments      *int     `json:"max_moments,omitempty"`
	MinMomentLength *float64 `json:"min_moment_length,omitempty"`
	MaxMomentLength *float64 `json:"max_moment_length,omitempty"`

	// Prompt overrides. Empty strings select the built-in prompts.
	GenerationPrompt string `json:"generation_prompt,omitempty"`
	RefinementPrompt string `json:"refinement_prompt,omitempty"`
}

// StageSnapshot is the observed state of one stage.
type StageSnapshot struct {
	State       StageState `json:"state"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	SkipReason  string     `json:"skip_reason,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// StatusSnapshot is a point-in-time view of a run, parsed from the
// coordination store.
type StatusSnapshot struct {
	RunID        string                    `json:"run_id"`
	SubjectID    string                    `json:"subject_id"`
	State        RunState                  `json:"state"`
	CurrentStage StageID                   `json:"current_stage,omitempty"`
	QueuedAt     *time.Time                `json:"queued_at,omitempty"`
	StartedAt    *time.Time                `json:"started_at,omitempty"`
	CompletedAt  *time.Time                `json:"completed_at,omitempty"`
	ErrorStage   string                    `json:"error_stage,omitempty"`
	ErrorMessage string                    `json:"error_message,omitempty"`
	Stages       map[StageID]StageSnapshot `json:"stages"`

	RefinementTotal     int `json:"refinement_total"`
	RefinementProcessed int `json:"refinement_processed"`
	ClipsTotal          int `json:"clips_total"`
	ClipsProcessed      int `json:"clips_processed"`
	ClipsFailed         int `json:"clips_failed"`
}

// Moment is one candidate highlight produced by moment generation. The
// working fields track the clip artifact as later stages fill it in.
type Moment struct {
	ID         int64   `json:"id,omitempty"`
	Identifier string  `json:"identifier"`
	Title      string  `json:"title"`
	StartTime  float64 `json:"start_time"`
	EndTime    float64 `json:"end_time"`
	IsRefined  bool    `json:"is_refined"`
	ParentID   *int64  `json:"parent_id,omitempty"`

	// Working state, not persisted with the moment row.
	ClipPath   string `json:"-"`
	ClipKey    string `json:"-"`
	ClipURL    string `json:"-"`
	ClipFailed bool   `json:"-"`
}

// MediaInfo is the probed shape of a source video.
type MediaInfo struct {
	DurationSeconds float64 `json:"duration_seconds"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	FormatName      string  `json:"format_name"`
	HasAudio        bool    `json:"has_audio"`
}

// WordTimestamp is a single word with its time bounds from transcription.
type WordTimestamp struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// SegmentTimestamp is a transcript segment with its time bounds.
type SegmentTimestamp struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Transcript is the transcription service output for a run.
type Transcript struct {
	ID                int64              `json:"id,omitempty"`
	Text              string             `json:"transcription"`
	WordTimestamps    []WordTimestamp    `json:"word_timestamps"`
	SegmentTimestamps []SegmentTimestamp `json:"segment_timestamps"`
	ProcessingTime    float64            `json:"processing_time"`
}
