// Package storage abstracts the artifact object store. Stages write
// artifacts by key and hand downstream consumers signed read URLs; signing
// is repeatable without rewriting the object.
package storage

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors for object store operations.
var (
	// ErrObjectExists indicates a write to an already populated key.
	// Artifact paths are write-once; repeatable stages use unique suffixes.
	ErrObjectExists = errors.New("object already exists")

	// ErrObjectNotFound indicates a sign or read of a missing key.
	ErrObjectNotFound = errors.New("object not found")
)

// ObjectStore is the artifact store the pipeline consumes.
type ObjectStore interface {
	// Put uploads the local file under key. Keys are write-once.
	Put(ctx context.Context, key, localPath string) error

	// SignURL returns a read URL for the key valid for ttl. Re-signing an
	// existing object issues a fresh URL without touching the object.
	SignURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// FileStore is a filesystem-backed object store for development and tests.
// Signed URLs carry an expiry and an HMAC over key and expiry.
type FileStore struct {
	root    string
	baseURL string
	secret  []byte
}

// NewFileStore creates a filesystem store rooted at root. baseURL is the
// public prefix signed URLs are built on. The signing secret must be shared
// by every process that signs or verifies URLs over this store; an empty
// secret falls back to a random per-process one, which only works
// single-process.
func NewFileStore(root, baseURL, secret string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating object store root: %w", err)
	}

	key := []byte(secret)
	if len(key) == 0 {
		slog.Warn("No object store signing secret configured, using a random per-process secret; " +
			"signed URLs will not verify across processes or restarts")
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating signing secret: %w", err)
		}
	}
	return &FileStore{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  key,
	}, nil
}

func (s *FileStore) objectPath(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("empty object key")
	}
	return filepath.Join(s.root, clean), nil
}

// Put copies the local file under the key. Returns ErrObjectExists when the
// key is already populated.
func (s *FileStore) Put(ctx context.Context, key, localPath string) error {
	dest, err := s.objectPath(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("%w: %s", ErrObjectExists, key)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating object directory: %w", err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening artifact %s: %w", localPath, err)
	}
	defer src.Close()

	// Write through a temp name so readers never see a partial object.
	tmp := dest + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating object %s: %w", key, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("writing object %s: %w", key, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("writing object %s: %w", key, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("finalizing object %s: %w", key, err)
	}
	return nil
}

// SignURL issues a read URL for an existing object.
func (s *FileStore) SignURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	path, err := s.objectPath(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}

	expires := time.Now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.sign(key, expires))
	return s.baseURL + "/" + strings.TrimLeft(key, "/") + "?" + q.Encode(), nil
}

// Verify checks a signed URL's signature and expiry against the key. Used
// by the artifact-serving handler.
func (s *FileStore) Verify(key string, expires int64, sig string) bool {
	if time.Now().Unix() > expires {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(s.sign(key, expires)))
}

// LocalPath maps a key to its on-disk location. Used by the serving
// handler after Verify.
func (s *FileStore) LocalPath(key string) (string, error) {
	return s.objectPath(key)
}

func (s *FileStore) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%d", key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}
