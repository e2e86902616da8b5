// Package limits enforces the process-wide concurrency caps that protect
// shared resources: CPU-bound codec work, remote GPU services, and the
// strictly serialized refinement model. Each resource is backed by a
// weighted semaphore so waits are context-aware.
package limits

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Resource names a guarded capacity.
type Resource string

// Guarded resources.
const (
	ResourceAudioExtraction Resource = "audio_extraction"
	ResourceTranscription   Resource = "transcription"
	ResourceGeneration      Resource = "moment_generation"
	ResourceClipExtraction  Resource = "clip_extraction"
	ResourceRefinement      Resource = "moment_refinement"
)

// ErrUnknownResource indicates a resource name with no configured capacity.
var ErrUnknownResource = errors.New("unknown limited resource")

// Capacities configures the per-resource slot counts.
type Capacities struct {
	AudioExtraction int
	Transcription   int
	Generation      int
	ClipExtraction  int
	Refinement      int
}

// DefaultCapacities returns the standard deployment limits.
func DefaultCapacities() Capacities {
	return Capacities{
		AudioExtraction: 2,
		Transcription:   2,
		Generation:      2,
		ClipExtraction:  4,
		Refinement:      1,
	}
}

// Governor hands out slots for limited resources across all runs in the
// process.
type Governor struct {
	sems map[Resource]*semaphore.Weighted
}

// NewGovernor builds a governor with the given capacities. Non-positive
// capacities are raised to 1.
func NewGovernor(caps Capacities) *Governor {
	atLeastOne := func(n int) int64 {
		if n < 1 {
			return 1
		}
		return int64(n)
	}
	return &Governor{sems: map[Resource]*semaphore.Weighted{
		ResourceAudioExtraction: semaphore.NewWeighted(atLeastOne(caps.AudioExtraction)),
		ResourceTranscription:   semaphore.NewWeighted(atLeastOne(caps.Transcription)),
		ResourceGeneration:      semaphore.NewWeighted(atLeastOne(caps.Generation)),
		ResourceClipExtraction:  semaphore.NewWeighted(atLeastOne(caps.ClipExtraction)),
		ResourceRefinement:      semaphore.NewWeighted(atLeastOne(caps.Refinement)),
	}}
}

// Acquire blocks until a slot for the resource is available or the context
// is done. The returned release function is idempotent.
func (g *Governor) Acquire(ctx context.Context, res Resource) (release func(), err error) {
	sem, ok := g.sems[res]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, res)
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for %s slot: %w", res, err)
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}

// TryAcquire takes a slot without blocking. Returns (nil, false) when the
// resource is at capacity.
func (g *Governor) TryAcquire(res Resource) (release func(), ok bool) {
	sem, found := g.sems[res]
	if !found || !sem.TryAcquire(1) {
		return nil, false
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, true
}
