package repo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryVideoBySubject(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.VideoBySubject(ctx, "vid-1")
	assert.ErrorIs(t, err, ErrNotFound)

	id := s.AddVideo(Video{SubjectID: "vid-1", Title: "Match", SourceURL: "http://cdn/match.mp4"})
	v, err := s.VideoBySubject(ctx, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, id, v.ID)
	assert.Equal(t, "http://cdn/match.mp4", v.SourceURL)
}

func TestMemoryCreateVideoIdempotentBySubject(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	id1, err := s.CreateVideo(ctx, Video{SubjectID: "vid-1", Title: "Match", SourceURL: "http://cdn/a.mp4"})
	require.NoError(t, err)
	id2, err := s.CreateVideo(ctx, Video{SubjectID: "vid-1", Title: "Match (re-up)", SourceURL: "http://cdn/b.mp4"})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	v, err := s.VideoBySubject(ctx, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, "http://cdn/b.mp4", v.SourceURL)
	assert.Equal(t, "Match (re-up)", v.Title)
}

func TestMemoryUpdateVideoMedia(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.UpdateVideoMedia(ctx, "ghost", VideoMedia{CloudKey: "k"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.CreateVideo(ctx, Video{SubjectID: "vid-1", SourceURL: "http://cdn/a.mp4"})
	require.NoError(t, err)
	require.NoError(t, s.UpdateVideoMedia(ctx, "vid-1", VideoMedia{
		CloudKey:        "vid-1/source/run-1.mp4",
		DurationSeconds: 120,
		Width:           1920,
		Height:          1080,
		HasAudio:        true,
	}))

	v, err := s.VideoBySubject(ctx, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, "vid-1/source/run-1.mp4", v.CloudKey)
	assert.Equal(t, 120.0, v.DurationSeconds)
	assert.True(t, v.HasAudio)
}

func TestMemoryMomentsIdempotentByIdentifier(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.CreateMoments(ctx, []Moment{
		{Identifier: "m-1", Title: "A", StartTime: 1, EndTime: 2},
		{Identifier: "m-2", Title: "B", StartTime: 3, EndTime: 4},
	})
	require.NoError(t, err)
	require.Len(t, first, 2)

	// Re-inserting the same identifiers keeps the original ids.
	second, err := s.CreateMoments(ctx, []Moment{
		{Identifier: "m-1", Title: "A"},
		{Identifier: "m-3", Title: "C"},
	})
	require.NoError(t, err)
	assert.Equal(t, first[0], second[0])
	assert.NotEqual(t, first[1], second[1])
	assert.Len(t, s.Moments(), 3)
}

func TestMemoryClipIdempotentByMoment(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	id1, err := s.CreateClip(ctx, Clip{MomentID: 7, ObjectKey: "k1"})
	require.NoError(t, err)
	id2, err := s.CreateClip(ctx, Clip{MomentID: 7, ObjectKey: "k2"})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Len(t, s.Clips(), 1)
}

func TestMemoryHistoryIdempotentByRun(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	id1, err := s.CreateHistoryEntry(ctx, HistoryEntry{RunID: "run-1", SubjectID: "vid-1", State: "completed"})
	require.NoError(t, err)
	id2, err := s.CreateHistoryEntry(ctx, HistoryEntry{RunID: "run-1", SubjectID: "vid-1", State: "completed"})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Len(t, s.HistoryEntries(), 1)
}
