package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// ErrDownloadFailed indicates the source video could not be fetched.
var ErrDownloadFailed = errors.New("source download failed")

// Workspace is the per-run scratch directory holding the downloaded source,
// the extracted audio, and clips before upload.
type Workspace struct {
	Dir string
}

// NewWorkspace creates a scratch directory for a run under the base temp
// dir.
func NewWorkspace(baseDir, runID string) (*Workspace, error) {
	dir := filepath.Join(baseDir, "clipforge", runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating run workspace: %w", err)
	}
	return &Workspace{Dir: dir}, nil
}

// Path returns an absolute path for a named artifact inside the workspace.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// Cleanup removes the workspace and everything in it. Safe to call on a
// partially populated workspace.
func (w *Workspace) Cleanup() {
	if err := os.RemoveAll(w.Dir); err != nil {
		slog.Warn("Failed to remove run workspace", "dir", w.Dir, "error", err)
	}
}

// Downloader fetches source videos over HTTP.
type Downloader struct {
	client *http.Client
}

// NewDownloader creates a downloader with the given per-download timeout.
func NewDownloader(timeout time.Duration) *Downloader {
	return &Downloader{client: &http.Client{Timeout: timeout}}
}

// Download streams the URL to destPath. A partial file is removed on error.
func (d *Downloader) Download(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d from %s", ErrDownloadFailed, resp.StatusCode, url)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		_ = os.Remove(destPath)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(destPath)
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	return nil
}
