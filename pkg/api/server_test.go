package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge/pkg/coordstore"
	"github.com/clipforge/clipforge/pkg/lock"
	"github.com/clipforge/clipforge/pkg/models"
	"github.com/clipforge/clipforge/pkg/queue"
	"github.com/clipforge/clipforge/pkg/registry"
	"github.com/clipforge/clipforge/pkg/repo"
	"github.com/clipforge/clipforge/pkg/status"
	"github.com/clipforge/clipforge/pkg/storage"
)

type apiRig struct {
	router  *gin.Engine
	store   *coordstore.Store
	status  *status.Manager
	locks   *lock.Manager
	reg     *registry.Registry
	objects *storage.FileStore
	db      *repo.MemoryStore
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := coordstore.NewFromClient(client)

	ctx := context.Background()
	reg := registry.New(store)
	require.NoError(t, reg.Put(ctx, registry.Descriptor{
		Key: "gen-vision", SSHHost: "gpu1.example.com", LocalPort: 8101,
		RemoteHost: "localhost", RemotePort: 8000, EndpointPath: "/v1/chat/completions",
		SupportsVideo: true, ModelID: "vision-7b",
	}))
	require.NoError(t, reg.Put(ctx, registry.Descriptor{
		Key: "ref-text", SSHHost: "gpu2.example.com", LocalPort: 8102,
		RemoteHost: "localhost", RemotePort: 8000, EndpointPath: "/v1/chat/completions",
		ModelID: "text-7b",
	}))

	statusMgr := status.NewManager(store, status.Config{})
	locks := lock.NewManager(store, 30*time.Minute)
	dispatcher, err := queue.NewDispatcher(ctx, store, "pipeline:requests", "pipeline_workers")
	require.NoError(t, err)

	objects, err := storage.NewFileStore(t.TempDir(), "http://localhost/artifacts", "test-secret")
	require.NoError(t, err)

	db := repo.NewMemoryStore()
	db.AddVideo(repo.Video{SubjectID: "vid-1", Title: "Match", SourceURL: "http://cdn/match.mp4"})

	service := NewService(locks, statusMgr, reg, dispatcher, db)
	server := NewServer(service, reg, store, nil, objects)

	return &apiRig{
		router:  server.Router(),
		store:   store,
		status:  statusMgr,
		locks:   locks,
		reg:     reg,
		objects: objects,
		db:      db,
	}
}

func (r *apiRig) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.router.ServeHTTP(rec, req)
	return rec
}

func validConfig() models.PipelineConfig {
	return models.PipelineConfig{
		GenerationModel: "gen-vision",
		RefinementModel: "ref-text",
	}
}

func TestSubmitRunAccepted(t *testing.T) {
	r := newAPIRig(t)
	ctx := context.Background()

	rec := r.do(t, http.MethodPost, "/api/v1/subjects/vid-1/pipeline", validConfig())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp SubmitRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, "vid-1", resp.SubjectID)
	assert.Equal(t, "queued", resp.Status)

	// Lock held, active status queued, one stream entry.
	held, err := r.locks.IsHeld(ctx, "vid-1")
	require.NoError(t, err)
	assert.True(t, held)

	snap, err := r.status.ActiveSnapshot(ctx, "vid-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, resp.RunID, snap.RunID)
	assert.Equal(t, models.RunQueued, snap.State)

	entries, err := r.store.XReadGroup(ctx, "pipeline:requests", "pipeline_workers", "probe", 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, resp.RunID, entries[0].Values["run_id"])
}

func TestSubmitRunConflictWhileActive(t *testing.T) {
	r := newAPIRig(t)

	rec := r.do(t, http.MethodPost, "/api/v1/subjects/vid-1/pipeline", validConfig())
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = r.do(t, http.MethodPost, "/api/v1/subjects/vid-1/pipeline", validConfig())
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitRunRejectsUnknownModel(t *testing.T) {
	r := newAPIRig(t)

	cfg := validConfig()
	cfg.RefinementModel = "nope"
	rec := r.do(t, http.MethodPost, "/api/v1/subjects/vid-1/pipeline", cfg)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "not registered")

	// A rejected submission must not leave the lock behind.
	held, err := r.locks.IsHeld(context.Background(), "vid-1")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestSubmitRegistersNewSubject(t *testing.T) {
	r := newAPIRig(t)
	ctx := context.Background()

	body := SubmitRunRequest{
		PipelineConfig: validConfig(),
		SourceURL:      "http://cdn/final.mp4",
		Title:          "Cup Final",
	}
	rec := r.do(t, http.MethodPost, "/api/v1/subjects/vid-new/pipeline", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	v, err := r.db.VideoBySubject(ctx, "vid-new")
	require.NoError(t, err)
	assert.Equal(t, "http://cdn/final.mp4", v.SourceURL)
	assert.Equal(t, "Cup Final", v.Title)
}

func TestSubmitUnknownSubjectWithoutSourceRejected(t *testing.T) {
	r := newAPIRig(t)

	rec := r.do(t, http.MethodPost, "/api/v1/subjects/vid-unknown/pipeline", validConfig())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "source_url")

	// No lock, no status, no stream entry for a rejected submission.
	held, err := r.locks.IsHeld(context.Background(), "vid-unknown")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestSubmitRunRejectsBadBounds(t *testing.T) {
	r := newAPIRig(t)

	five, two := 5, 2
	cfg := validConfig()
	cfg.MinMoments = &five
	cfg.MaxMoments = &two
	rec := r.do(t, http.MethodPost, "/api/v1/subjects/vid-1/pipeline", cfg)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "max_moments")
}

func TestRunStatusNotFound(t *testing.T) {
	r := newAPIRig(t)

	rec := r.do(t, http.MethodGet, "/api/v1/subjects/ghost/pipeline/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunStatusFallsBackToArchivedRun(t *testing.T) {
	r := newAPIRig(t)
	ctx := context.Background()

	require.NoError(t, r.status.InitializeActive(ctx, "vid-1", "run-old", validConfig()))
	require.NoError(t, r.status.SetState(ctx, "vid-1", models.RunCompleted))
	require.NoError(t, r.status.Archive(ctx, "vid-1", "run-old"))

	rec := r.do(t, http.MethodGet, "/api/v1/subjects/vid-1/pipeline/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap models.StatusSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "run-old", snap.RunID)
	assert.Equal(t, models.RunCompleted, snap.State)
}

func TestCancelRun(t *testing.T) {
	r := newAPIRig(t)
	ctx := context.Background()

	rec := r.do(t, http.MethodPost, "/api/v1/subjects/vid-1/pipeline/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no active run")

	require.NoError(t, r.status.InitializeActive(ctx, "vid-1", "run-1", validConfig()))
	rec = r.do(t, http.MethodPost, "/api/v1/subjects/vid-1/pipeline/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	requested, err := r.status.IsCancelRequested(ctx, "vid-1")
	require.NoError(t, err)
	assert.True(t, requested)

	// Idempotent.
	rec = r.do(t, http.MethodPost, "/api/v1/subjects/vid-1/pipeline/cancel", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRunHistoryEndpoint(t *testing.T) {
	r := newAPIRig(t)
	ctx := context.Background()

	for _, runID := range []string{"run-1", "run-2"} {
		require.NoError(t, r.status.InitializeActive(ctx, "vid-1", runID, validConfig()))
		require.NoError(t, r.status.SetState(ctx, "vid-1", models.RunCompleted))
		require.NoError(t, r.status.Archive(ctx, "vid-1", runID))
	}

	rec := r.do(t, http.MethodGet, "/api/v1/subjects/vid-1/pipeline/history?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Runs  []models.StatusSnapshot `json:"runs"`
		Count int                     `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "run-2", resp.Runs[0].RunID, "newest first")
	assert.Equal(t, "run-1", resp.Runs[1].RunID)
}

func TestModelAdminEndpoints(t *testing.T) {
	r := newAPIRig(t)

	rec := r.do(t, http.MethodGet, "/api/v1/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	assert.Equal(t, 2, listResp.Count)

	rec = r.do(t, http.MethodGet, "/api/v1/models/gen-vision", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var d registry.Descriptor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.True(t, d.SupportsVideo)

	rec = r.do(t, http.MethodGet, "/api/v1/models/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = r.do(t, http.MethodPut, "/api/v1/models/stt", registry.Descriptor{
		SSHHost: "gpu3.example.com", LocalPort: 8103,
		RemoteHost: "localhost", RemotePort: 8000,
		EndpointPath: "/v1/audio/transcriptions", ModelID: "whisper-large",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got, err := r.reg.Get(context.Background(), "stt")
	require.NoError(t, err)
	assert.Equal(t, "whisper-large", got.ModelID)

	rec = r.do(t, http.MethodPut, "/api/v1/models/bad", registry.Descriptor{SSHHost: "h"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing ports")

	rec = r.do(t, http.MethodDelete, "/api/v1/models/stt", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = r.do(t, http.MethodDelete, "/api/v1/models/stt", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeArtifactBySignedURL(t *testing.T) {
	r := newAPIRig(t)
	ctx := context.Background()

	local := filepath.Join(t.TempDir(), "audio.wav")
	require.NoError(t, os.WriteFile(local, []byte("pcm data"), 0o644))
	require.NoError(t, r.objects.Put(ctx, "vid-1/audio/run-1.wav", local))

	signed, err := r.objects.SignURL(ctx, "vid-1/audio/run-1.wav", time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)
	rec := r.do(t, http.MethodGet, u.Path+"?"+u.RawQuery, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pcm data", rec.Body.String())

	// Tampered signature is rejected.
	rec = r.do(t, http.MethodGet, u.Path+"?expires="+u.Query().Get("expires")+"&sig=deadbeef", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	r := newAPIRig(t)

	rec := r.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}
