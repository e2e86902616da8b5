package storage

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), "http://localhost:8080/artifacts", "test-secret")
	require.NoError(t, err)
	return s
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestPutAndSign(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "vid-1/audio/run-1.wav", writeTempFile(t, "audio")))

	signed, err := s.SignURL(ctx, "vid-1/audio/run-1.wav", time.Hour)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(signed, "http://localhost:8080/artifacts/vid-1/audio/run-1.wav?"))

	u, err := url.Parse(signed)
	require.NoError(t, err)
	expires, err := strconv.ParseInt(u.Query().Get("expires"), 10, 64)
	require.NoError(t, err)
	assert.True(t, s.Verify("vid-1/audio/run-1.wav", expires, u.Query().Get("sig")))

	// Stored bytes are intact.
	local, err := s.LocalPath("vid-1/audio/run-1.wav")
	require.NoError(t, err)
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "audio", string(data))
}

func TestPutIsWriteOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", writeTempFile(t, "one")))
	err := s.Put(ctx, "k", writeTempFile(t, "two"))
	assert.ErrorIs(t, err, ErrObjectExists)
}

func TestSignMissingObject(t *testing.T) {
	s := newTestStore(t)

	_, err := s.SignURL(context.Background(), "nope", time.Hour)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestResignWithoutRewrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", writeTempFile(t, "data")))

	first, err := s.SignURL(ctx, "k", time.Second)
	require.NoError(t, err)
	second, err := s.SignURL(ctx, "k", time.Hour)
	require.NoError(t, err)

	// Fresh URL, same object.
	assert.NotEqual(t, first, second)
	local, err := s.LocalPath("k")
	require.NoError(t, err)
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}

func TestVerifyRejectsExpiredAndForged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", writeTempFile(t, "data")))

	past := time.Now().Add(-time.Minute).Unix()
	assert.False(t, s.Verify("k", past, s.sign("k", past)), "expired")

	future := time.Now().Add(time.Hour).Unix()
	assert.False(t, s.Verify("k", future, "deadbeef"), "forged signature")
	assert.False(t, s.Verify("other", future, s.sign("k", future)), "signature bound to key")
}

func TestVerifyAcrossProcesses(t *testing.T) {
	// A worker signs, the API server verifies: separate store instances
	// over the same root and secret, as separate processes would have.
	root := t.TempDir()
	ctx := context.Background()

	writer, err := NewFileStore(root, "http://localhost:8080/artifacts", "shared-secret")
	require.NoError(t, err)
	reader, err := NewFileStore(root, "http://localhost:8080/artifacts", "shared-secret")
	require.NoError(t, err)

	require.NoError(t, writer.Put(ctx, "vid-1/audio/run-1.wav", writeTempFile(t, "audio")))
	signed, err := writer.SignURL(ctx, "vid-1/audio/run-1.wav", time.Hour)
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)
	expires, err := strconv.ParseInt(u.Query().Get("expires"), 10, 64)
	require.NoError(t, err)
	assert.True(t, reader.Verify("vid-1/audio/run-1.wav", expires, u.Query().Get("sig")))

	// A store with a different secret rejects the same URL.
	other, err := NewFileStore(root, "http://localhost:8080/artifacts", "other-secret")
	require.NoError(t, err)
	assert.False(t, other.Verify("vid-1/audio/run-1.wav", expires, u.Query().Get("sig")))
}

func TestKeyTraversalIsContained(t *testing.T) {
	s := newTestStore(t)

	path, err := s.LocalPath("../../etc/passwd")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, s.root))
}
