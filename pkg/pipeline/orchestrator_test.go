package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge/pkg/coordstore"
	"github.com/clipforge/clipforge/pkg/inference"
	"github.com/clipforge/clipforge/pkg/limits"
	"github.com/clipforge/clipforge/pkg/lock"
	"github.com/clipforge/clipforge/pkg/media"
	"github.com/clipforge/clipforge/pkg/models"
	"github.com/clipforge/clipforge/pkg/registry"
	"github.com/clipforge/clipforge/pkg/repo"
	"github.com/clipforge/clipforge/pkg/status"
	"github.com/clipforge/clipforge/pkg/storage"
)

type fakeEndpoint struct{ url string }

func (e fakeEndpoint) EndpointURL() string { return e.url }
func (e fakeEndpoint) Release()            {}

type fakeTunnels struct{}

func (fakeTunnels) Acquire(ctx context.Context, desc registry.Descriptor) (Endpoint, error) {
	return fakeEndpoint{url: fmt.Sprintf("http://127.0.0.1:%d%s", desc.LocalPort, desc.EndpointPath)}, nil
}

type fakeInference struct {
	chatFn       func(modelID string, messages []inference.Message) (string, error)
	transcribeFn func(audioPath string) (*models.Transcript, error)
}

func (f *fakeInference) ChatComplete(ctx context.Context, endpointURL, modelID string, messages []inference.Message, sampling inference.Sampling) (string, error) {
	return f.chatFn(modelID, messages)
}

func (f *fakeInference) Transcribe(ctx context.Context, endpointURL, audioPath string) (*models.Transcript, error) {
	if f.transcribeFn != nil {
		return f.transcribeFn(audioPath)
	}
	return &models.Transcript{
		Text: "hello world",
		SegmentTimestamps: []models.SegmentTimestamp{
			{Text: "hello world", Start: 0, End: 2},
		},
		WordTimestamps: []models.WordTimestamp{
			{Word: "hello", Start: 0, End: 1},
			{Word: "world", Start: 1, End: 2},
		},
	}, nil
}

type fakeMedia struct {
	info        models.MediaInfo
	clipFailFor string // substring of clip path that should fail
}

func (f *fakeMedia) Probe(ctx context.Context, path string) (models.MediaInfo, error) {
	return f.info, nil
}

func (f *fakeMedia) ExtractAudio(ctx context.Context, videoPath, audioPath string) error {
	return os.WriteFile(audioPath, []byte("audio"), 0o644)
}

func (f *fakeMedia) ExtractClip(ctx context.Context, videoPath, clipPath string, window media.ClipWindow) error {
	if f.clipFailFor != "" && strings.Contains(clipPath, f.clipFailFor) {
		return errors.New("corrupt input")
	}
	return os.WriteFile(clipPath, []byte("clip"), 0o644)
}

type fakeDownloader struct{}

func (fakeDownloader) Download(ctx context.Context, url, destPath string) error {
	return os.WriteFile(destPath, []byte("video"), 0o644)
}

type fakeModels struct {
	descs map[string]registry.Descriptor
}

func (f *fakeModels) Get(ctx context.Context, key string) (registry.Descriptor, error) {
	d, ok := f.descs[key]
	if !ok {
		return registry.Descriptor{}, registry.ErrModelNotRegistered
	}
	return d, nil
}

type harness struct {
	mr      *miniredis.Miniredis
	status  *status.Manager
	locks   *lock.Manager
	db      *repo.MemoryStore
	inf     *fakeInference
	med     *fakeMedia
	objects *storage.FileStore
	deps    *Deps
	orch    *Orchestrator
}

const generatedMoments = `[
	{"start_time": 10, "end_time": 20, "title": "First"},
	{"start_time": 40, "end_time": 55, "title": "Second"}
]`

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := coordstore.NewFromClient(client)

	statusMgr := status.NewManager(store, status.Config{})
	lockMgr := lock.NewManager(store, 30*time.Minute)
	db := repo.NewMemoryStore()
	db.AddVideo(repo.Video{SubjectID: "vid-1", Title: "Match", SourceURL: "http://cdn/match.mp4"})

	objects, err := storage.NewFileStore(t.TempDir(), "http://localhost:8080/artifacts", "test-secret")
	require.NoError(t, err)

	inf := &fakeInference{
		chatFn: func(modelID string, messages []inference.Message) (string, error) {
			if modelID == "gen-model" {
				return generatedMoments, nil
			}
			return `{"start_time": 11, "end_time": 19}`, nil
		},
	}
	med := &fakeMedia{info: models.MediaInfo{DurationSeconds: 120, HasAudio: true}}

	deps := &Deps{
		Status: statusMgr,
		Models: &fakeModels{descs: map[string]registry.Descriptor{
			"gen": {Key: "gen", ModelID: "gen-model", LocalPort: 18434,
				EndpointPath: "/v1/chat/completions", SupportsVideo: true},
			"ref-vision": {Key: "ref-vision", ModelID: "ref-model", LocalPort: 18435,
				EndpointPath: "/v1/chat/completions", SupportsVideo: true},
			"ref-text": {Key: "ref-text", ModelID: "ref-text-model", LocalPort: 18436,
				EndpointPath: "/v1/chat/completions", SupportsVideo: false},
			"stt": {Key: "stt", LocalPort: 18437, EndpointPath: "/transcribe"},
		}},
		Tunnels:            fakeTunnels{},
		Inference:          inf,
		Media:              med,
		Downloader:         fakeDownloader{},
		Objects:            objects,
		DB:                 db,
		Limits:             limits.NewGovernor(limits.DefaultCapacities()),
		TempDir:            t.TempDir(),
		SignedURLTTL:       time.Hour,
		TranscriptionModel: "stt",
	}

	return &harness{
		mr:      mr,
		status:  statusMgr,
		locks:   lockMgr,
		db:      db,
		inf:     inf,
		med:     med,
		objects: objects,
		deps:    deps,
		orch:    NewOrchestrator(deps),
	}
}

func (h *harness) execute(t *testing.T, cfg models.PipelineConfig) (models.RunState, *models.StatusSnapshot) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, h.status.InitializeActive(ctx, "vid-1", "run-1", cfg))
	handle, err := h.locks.Acquire(ctx, "vid-1")
	require.NoError(t, err)
	defer handle.Release(ctx)

	state, _ := h.orch.Execute(ctx, "run-1", "vid-1", cfg, handle)

	snap, err := h.status.ActiveSnapshot(ctx, "vid-1")
	require.NoError(t, err)
	return state, snap
}

func visionConfig() models.PipelineConfig {
	return models.PipelineConfig{
		GenerationModel:     "gen",
		RefinementModel:     "ref-vision",
		PaddingLeftSeconds:  2,
		PaddingRightSeconds: 3,
	}
}

func TestExecuteFullRunCompletes(t *testing.T) {
	h := newHarness(t)

	state, snap := h.execute(t, visionConfig())
	assert.Equal(t, models.RunCompleted, state)
	require.NotNil(t, snap)
	assert.Equal(t, models.RunCompleted, snap.State)
	assert.NotNil(t, snap.CompletedAt)

	for _, stage := range models.StageOrder {
		assert.Equal(t, models.StageCompleted, snap.Stages[stage].State, string(stage))
	}
	assert.Equal(t, 2, snap.ClipsTotal)
	assert.Equal(t, 2, snap.ClipsProcessed)
	assert.Zero(t, snap.ClipsFailed)
	assert.Equal(t, 2, snap.RefinementTotal)
	assert.Equal(t, 2, snap.RefinementProcessed)

	// Originals plus one refined moment each.
	moments := h.db.Moments()
	assert.Len(t, moments, 4)
	var refined int
	for _, m := range moments {
		if m.IsRefined {
			refined++
			assert.NotNil(t, m.ParentID)
			assert.Equal(t, 11.0, m.StartTime)
			assert.Equal(t, 19.0, m.EndTime)
		}
	}
	assert.Equal(t, 2, refined)
	assert.Len(t, h.db.Clips(), 2)
}

func TestExecuteTextOnlyRefinementSkipsClipStages(t *testing.T) {
	h := newHarness(t)

	cfg := visionConfig()
	cfg.RefinementModel = "ref-text"
	state, snap := h.execute(t, cfg)
	assert.Equal(t, models.RunCompleted, state)

	assert.Equal(t, models.StageSkipped, snap.Stages[models.StageClipExtraction].State)
	assert.Equal(t, models.StageSkipped, snap.Stages[models.StageClipUpload].State)
	assert.Contains(t, snap.Stages[models.StageClipExtraction].SkipReason, "text-only")
	assert.Equal(t, models.StageCompleted, snap.Stages[models.StageMomentRefinement].State)

	assert.Empty(t, h.db.Clips())
	moments := h.db.Moments()
	assert.Len(t, moments, 4, "refinement still ran via transcript")
}

func TestExecuteNoAudioSkipsAudioPath(t *testing.T) {
	h := newHarness(t)
	h.med.info.HasAudio = false

	state, snap := h.execute(t, visionConfig())
	assert.Equal(t, models.RunCompleted, state)

	assert.Equal(t, models.StageSkipped, snap.Stages[models.StageAudioExtraction].State)
	assert.Equal(t, models.StageSkipped, snap.Stages[models.StageAudioUpload].State)
	assert.Equal(t, models.StageSkipped, snap.Stages[models.StageTranscription].State)
	assert.Equal(t, models.StageCompleted, snap.Stages[models.StageMomentGeneration].State)
}

func TestExecuteCancelledBeforeGeneration(t *testing.T) {
	h := newHarness(t)

	// Cancel as soon as transcription finishes.
	h.inf.transcribeFn = func(audioPath string) (*models.Transcript, error) {
		require.NoError(t, h.status.RequestCancel(context.Background(), "vid-1"))
		return &models.Transcript{Text: "hello"}, nil
	}

	state, snap := h.execute(t, visionConfig())
	assert.Equal(t, models.RunCancelled, state)
	assert.Equal(t, models.RunCancelled, snap.State)
	assert.Equal(t, models.StagePending, snap.Stages[models.StageMomentGeneration].State,
		"generation never started")
	assert.Empty(t, h.db.Moments())
}

func TestExecuteFatalTranscriptionFailure(t *testing.T) {
	h := newHarness(t)
	h.inf.transcribeFn = func(audioPath string) (*models.Transcript, error) {
		return nil, errors.New("service unreachable")
	}

	state, snap := h.execute(t, visionConfig())
	assert.Equal(t, models.RunFailed, state)
	assert.Equal(t, models.StageFailed, snap.Stages[models.StageTranscription].State)
	assert.Equal(t, string(models.StageTranscription), snap.ErrorStage)
	assert.Contains(t, snap.ErrorMessage, "service unreachable")
	assert.Equal(t, models.StagePending, snap.Stages[models.StageMomentGeneration].State)
}

func TestExecutePartialOnClipFailure(t *testing.T) {
	h := newHarness(t)
	// Moments get ids 5 and 6 in the memory store; fail the first clip.
	h.med.clipFailFor = "clip-5"

	state, snap := h.execute(t, visionConfig())
	assert.Equal(t, models.RunPartial, state)
	assert.Equal(t, models.StageCompleted, snap.Stages[models.StageClipExtraction].State,
		"single clip failure does not fail the stage")
	assert.Equal(t, 1, snap.ClipsFailed)
	assert.Equal(t, 1, snap.ClipsProcessed)
	assert.Len(t, h.db.Clips(), 1)

	// Refinement still ran over both moments, text path for the clipless one.
	assert.Equal(t, 2, snap.RefinementProcessed)
}

func TestExecuteZeroMomentsCompletes(t *testing.T) {
	h := newHarness(t)
	h.inf.chatFn = func(modelID string, messages []inference.Message) (string, error) {
		return "[]", nil
	}

	state, snap := h.execute(t, visionConfig())
	assert.Equal(t, models.RunCompleted, state)
	assert.Equal(t, models.StageCompleted, snap.Stages[models.StageMomentGeneration].State)
	assert.Equal(t, models.StageCompleted, snap.Stages[models.StageClipExtraction].State)
	assert.Equal(t, models.StageSkipped, snap.Stages[models.StageMomentRefinement].State)
	assert.Empty(t, h.db.Moments())
	assert.Empty(t, h.db.Clips())
}

func TestExecuteUnknownModelFailsBeforeStages(t *testing.T) {
	h := newHarness(t)

	cfg := visionConfig()
	cfg.GenerationModel = "ghost"
	state, snap := h.execute(t, cfg)
	assert.Equal(t, models.RunFailed, state)
	assert.Equal(t, models.StagePending, snap.Stages[models.StageDownload].State)
	assert.Contains(t, snap.ErrorMessage, "ghost")
}

func TestExecuteLockLostAborts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cfg := visionConfig()
	require.NoError(t, h.status.InitializeActive(ctx, "vid-1", "run-1", cfg))
	handle, err := h.locks.Acquire(ctx, "vid-1")
	require.NoError(t, err)
	handle.Release(ctx) // lock gone before the run starts

	state, execErr := h.orch.Execute(ctx, "run-1", "vid-1", cfg, handle)
	assert.Equal(t, models.RunFailed, state)
	assert.ErrorIs(t, execErr, ErrLockLost)
}

func TestExecuteRerunAfterRedeliveryCompletes(t *testing.T) {
	h := newHarness(t)

	state, _ := h.execute(t, visionConfig())
	require.Equal(t, models.RunCompleted, state)

	// The same run executed again, as a reclaimed redelivery after a
	// worker crash would be: artifact keys must not collide with the
	// first attempt's write-once objects.
	state, snap := h.execute(t, visionConfig())
	assert.Equal(t, models.RunCompleted, state)
	assert.Equal(t, models.RunCompleted, snap.State)
	assert.Equal(t, models.StageSkipped, snap.Stages[models.StageDownload].State,
		"source stored by the first attempt")
	assert.Equal(t, models.StageCompleted, snap.Stages[models.StageAudioUpload].State)
	assert.Equal(t, models.StageCompleted, snap.Stages[models.StageClipUpload].State)
	assert.Zero(t, snap.ClipsFailed)
}

func TestExecutePersistsSourceMetadata(t *testing.T) {
	h := newHarness(t)
	h.med.info = models.MediaInfo{DurationSeconds: 120, Width: 1280, Height: 720, HasAudio: true}

	state, _ := h.execute(t, visionConfig())
	require.Equal(t, models.RunCompleted, state)

	v, err := h.db.VideoBySubject(context.Background(), "vid-1")
	require.NoError(t, err)
	assert.Contains(t, v.CloudKey, "vid-1/source/run-1-")
	assert.Equal(t, 120.0, v.DurationSeconds)
	assert.Equal(t, 1280, v.Width)
	assert.Equal(t, 720, v.Height)
	assert.True(t, v.HasAudio)
}

func TestExecuteSkipsDownloadForRegisteredSource(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Subject registered with its source already in the object store.
	src := filepath.Join(t.TempDir(), "source.mp4")
	require.NoError(t, os.WriteFile(src, []byte("video"), 0o644))
	require.NoError(t, h.objects.Put(ctx, "vid-1/source/prior.mp4", src))
	h.db.AddVideo(repo.Video{
		SubjectID: "vid-1", Title: "Match", SourceURL: "http://cdn/match.mp4",
		CloudKey: "vid-1/source/prior.mp4", DurationSeconds: 120, Width: 1920, Height: 1080, HasAudio: true,
	})

	state, snap := h.execute(t, visionConfig())
	assert.Equal(t, models.RunCompleted, state)
	assert.Equal(t, models.StageSkipped, snap.Stages[models.StageDownload].State)
	assert.Contains(t, snap.Stages[models.StageDownload].SkipReason, "already in object store")
	assert.Equal(t, models.StageCompleted, snap.Stages[models.StageAudioExtraction].State,
		"stored metadata says the source has audio")
	assert.Equal(t, models.StageCompleted, snap.Stages[models.StageClipExtraction].State)
}

func TestExecuteCancelUnblocksWaitingAcquire(t *testing.T) {
	h := newHarness(t)

	// A single generation permit, held elsewhere: the run blocks inside
	// the generation stage waiting on the semaphore.
	h.deps.Limits = limits.NewGovernor(limits.Capacities{
		AudioExtraction: 1, Transcription: 1, Generation: 1, ClipExtraction: 1, Refinement: 1,
	})
	release, err := h.deps.Limits.Acquire(context.Background(), limits.ResourceGeneration)
	require.NoError(t, err)
	defer release()

	go func() {
		time.Sleep(400 * time.Millisecond)
		_ = h.status.RequestCancel(context.Background(), "vid-1")
	}()

	state, snap := h.execute(t, visionConfig())
	assert.Equal(t, models.RunCancelled, state)
	assert.Equal(t, models.RunCancelled, snap.State)
	assert.Empty(t, h.db.Moments(), "generation never got the permit")
}

func TestGenerationSendsVideoPartForVisionModel(t *testing.T) {
	h := newHarness(t)

	var sawVideoPart bool
	h.inf.chatFn = func(modelID string, messages []inference.Message) (string, error) {
		if modelID == "gen-model" {
			for _, part := range messages[0].Content {
				if part.Type == "video_url" {
					sawVideoPart = true
					// The download stage stored the source, so the model
					// gets a signed URL to the stored object.
					assert.Contains(t, part.VideoURL.URL, "vid-1/source/run-1-")
					assert.Contains(t, part.VideoURL.URL, "sig=")
				}
			}
			return generatedMoments, nil
		}
		return `{"start_time": 11, "end_time": 19}`, nil
	}

	state, _ := h.execute(t, visionConfig())
	assert.Equal(t, models.RunCompleted, state)
	assert.True(t, sawVideoPart)
}
