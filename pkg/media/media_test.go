package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveClipWindow(t *testing.T) {
	tests := []struct {
		name                          string
		start, end, padL, padR, total float64
		want                          ClipWindow
	}{
		{"no padding", 10, 20, 0, 0, 100, ClipWindow{10, 20}},
		{"symmetric padding", 10, 20, 2, 3, 100, ClipWindow{8, 23}},
		{"left clamp at zero", 1, 20, 5, 0, 100, ClipWindow{0, 20}},
		{"right clamp at duration", 90, 98, 0, 5, 100, ClipWindow{90, 100}},
		{"both clamps", 1, 99, 10, 10, 100, ClipWindow{0, 100}},
		{"unknown duration leaves right edge", 10, 20, 0, 5, 0, ClipWindow{10, 25}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ResolveClipWindow(tc.start, tc.end, tc.padL, tc.padR, tc.total))
		})
	}
}

func TestWorkspaceLifecycle(t *testing.T) {
	base := t.TempDir()

	ws, err := NewWorkspace(base, "run-1")
	require.NoError(t, err)

	path := ws.Path("source.mp4")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	ws.Cleanup()
	_, err = os.Stat(ws.Dir)
	assert.True(t, os.IsNotExist(err))

	// Cleanup of an already removed workspace is a no-op.
	ws.Cleanup()
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("video-bytes"))
	}))
	defer srv.Close()

	ws, err := NewWorkspace(t.TempDir(), "run-1")
	require.NoError(t, err)
	defer ws.Cleanup()

	dest := ws.Path("source.mp4")
	d := NewDownloader(5 * time.Second)
	require.NoError(t, d.Download(context.Background(), srv.URL, dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "video-bytes", string(data))
}

func TestDownloadNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	d := NewDownloader(5 * time.Second)
	err := d.Download(context.Background(), srv.URL, t.TempDir()+"/out.mp4")
	assert.ErrorIs(t, err, ErrDownloadFailed)
}

func TestFormatSeconds(t *testing.T) {
	assert.Equal(t, "12.500", formatSeconds(12.5))
	assert.Equal(t, "0.000", formatSeconds(0))
}
