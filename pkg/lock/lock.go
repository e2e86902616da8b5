// Package lock implements the per-subject mutual-exclusion lock backing the
// "one active run per subject" invariant. Locks carry a random fencing token
// and a TTL; refresh and release only act when the stored token still
// matches, so an expired-and-retaken lock can never be touched by its old
// holder.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/clipforge/clipforge/pkg/coordstore"
)

// Sentinel errors for lock operations.
var (
	// ErrLockHeld indicates the subject's lock is held by another run.
	ErrLockHeld = errors.New("pipeline lock already held")

	// ErrLockLost indicates the stored token no longer matches: the lock
	// expired and may have been retaken.
	ErrLockLost = errors.New("pipeline lock lost")
)

// refreshScript extends the TTL iff the fencing token matches.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the key iff the fencing token matches.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// adoptScript acquires the lock with a caller-supplied token, succeeding
// when the key is absent or already holds that token.
var adoptScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == false then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
if v == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// Manager acquires and releases subject locks in the coordination store.
type Manager struct {
	store *coordstore.Store
	ttl   time.Duration
}

// Handle represents a held lock. Refresh and Release are fenced by the
// token; Release is idempotent.
type Handle struct {
	SubjectID string
	Token     string

	mgr      *Manager
	released atomic.Bool
}

// NewManager creates a lock manager with the given default TTL.
func NewManager(store *coordstore.Store, ttl time.Duration) *Manager {
	return &Manager{store: store, ttl: ttl}
}

// TTL returns the configured lock lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Acquire takes the subject's lock with a fresh fencing token. Returns
// ErrLockHeld when another holder exists.
func (m *Manager) Acquire(ctx context.Context, subjectID string) (*Handle, error) {
	token := uuid.NewString()
	ok, err := m.store.SetNX(ctx, coordstore.LockKey(subjectID), token, m.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquiring lock for %s: %w", subjectID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, subjectID)
	}
	slog.Debug("Acquired pipeline lock", "subject_id", subjectID)
	return &Handle{SubjectID: subjectID, Token: token, mgr: m}, nil
}

// Adopt takes the subject's lock with a known token: it succeeds when the
// key is absent (the previous holder's TTL expired) or when the stored token
// already matches (the enqueue adapter acquired it for this run). Returns
// ErrLockHeld when a different token holds the lock.
func (m *Manager) Adopt(ctx context.Context, subjectID, token string) (*Handle, error) {
	res, err := adoptScript.Run(ctx, m.store.Client(),
		[]string{coordstore.LockKey(subjectID)}, token, m.ttl.Milliseconds()).Int()
	if err != nil {
		return nil, fmt.Errorf("adopting lock for %s: %w", subjectID, err)
	}
	if res == 0 {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, subjectID)
	}
	return &Handle{SubjectID: subjectID, Token: token, mgr: m}, nil
}

// IsHeld reports whether any holder currently owns the subject's lock.
func (m *Manager) IsHeld(ctx context.Context, subjectID string) (bool, error) {
	return m.store.Exists(ctx, coordstore.LockKey(subjectID))
}

// Refresh extends the lock TTL. Returns ErrLockLost when the stored token
// no longer matches.
func (h *Handle) Refresh(ctx context.Context) error {
	if h.released.Load() {
		return fmt.Errorf("%w: %s (released)", ErrLockLost, h.SubjectID)
	}
	res, err := refreshScript.Run(ctx, h.mgr.store.Client(),
		[]string{coordstore.LockKey(h.SubjectID)}, h.Token, h.mgr.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refreshing lock for %s: %w", h.SubjectID, err)
	}
	if res == 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, h.SubjectID)
	}
	return nil
}

// Release deletes the lock when the token still matches. Safe to call more
// than once; a lost or already-released lock is not an error.
func (h *Handle) Release(ctx context.Context) {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	res, err := releaseScript.Run(ctx, h.mgr.store.Client(),
		[]string{coordstore.LockKey(h.SubjectID)}, h.Token).Int()
	if err != nil {
		slog.Error("Failed to release pipeline lock", "subject_id", h.SubjectID, "error", err)
		return
	}
	if res == 0 {
		slog.Warn("Pipeline lock was no longer held at release", "subject_id", h.SubjectID)
		return
	}
	slog.Debug("Released pipeline lock", "subject_id", h.SubjectID)
}
