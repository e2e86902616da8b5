// Package pipeline runs the eight-stage video analysis workflow for a
// single run: fetch and probe the source, extract and upload audio,
// transcribe, generate candidate moments, cut and upload clips, and refine
// each moment with a second model pass. Stages execute in a fixed order
// under the subject's lock, with cooperative cancellation at every stage
// boundary and inside the per-moment loops.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/clipforge/clipforge/pkg/inference"
	"github.com/clipforge/clipforge/pkg/limits"
	"github.com/clipforge/clipforge/pkg/media"
	"github.com/clipforge/clipforge/pkg/models"
	"github.com/clipforge/clipforge/pkg/registry"
	"github.com/clipforge/clipforge/pkg/repo"
	"github.com/clipforge/clipforge/pkg/status"
	"github.com/clipforge/clipforge/pkg/storage"
	"github.com/clipforge/clipforge/pkg/tunnel"
)

// ErrCancelled indicates the run observed its cancellation flag.
var ErrCancelled = errors.New("run cancelled")

// ErrLockLost indicates the subject lock could not be refreshed mid-run.
var ErrLockLost = errors.New("subject lock lost mid-run")

// Endpoint is an established connection to an inference service.
type Endpoint interface {
	EndpointURL() string
	Release()
}

// TunnelProvider hands out ready endpoints for model descriptors.
type TunnelProvider interface {
	Acquire(ctx context.Context, desc registry.Descriptor) (Endpoint, error)
}

// InferenceClient is the subset of the inference client the stages use.
type InferenceClient interface {
	ChatComplete(ctx context.Context, endpointURL, modelID string, messages []inference.Message, sampling inference.Sampling) (string, error)
	Transcribe(ctx context.Context, endpointURL, audioPath string) (*models.Transcript, error)
}

// MediaProcessor is the subset of the codec wrapper the stages use.
type MediaProcessor interface {
	Probe(ctx context.Context, path string) (models.MediaInfo, error)
	ExtractAudio(ctx context.Context, videoPath, audioPath string) error
	ExtractClip(ctx context.Context, videoPath, clipPath string, window media.ClipWindow) error
}

// SourceDownloader fetches source videos into the run workspace.
type SourceDownloader interface {
	Download(ctx context.Context, url, destPath string) error
}

// ModelResolver resolves model keys to descriptors.
type ModelResolver interface {
	Get(ctx context.Context, key string) (registry.Descriptor, error)
}

// Deps bundles everything the stages and orchestrator need.
type Deps struct {
	Status     *status.Manager
	Models     ModelResolver
	Tunnels    TunnelProvider
	Inference  InferenceClient
	Media      MediaProcessor
	Downloader SourceDownloader
	Objects    storage.ObjectStore
	DB         repo.Store
	Limits     *limits.Governor

	// TempDir is the base directory for per-run workspaces.
	TempDir string

	// SignedURLTTL is the validity window for artifact URLs handed to
	// inference services.
	SignedURLTTL time.Duration

	// TranscriptionModel is the registry key of the transcription service.
	TranscriptionModel string
}

// TunnelsFrom adapts the concrete tunnel manager to the TunnelProvider
// interface.
func TunnelsFrom(m *tunnel.Manager) TunnelProvider {
	return tunnelAdapter{m}
}

type tunnelAdapter struct {
	m *tunnel.Manager
}

func (a tunnelAdapter) Acquire(ctx context.Context, desc registry.Descriptor) (Endpoint, error) {
	return a.m.Acquire(ctx, desc)
}
