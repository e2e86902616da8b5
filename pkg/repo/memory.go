package repo

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for unit tests.
type MemoryStore struct {
	mu sync.Mutex

	nextID    int64
	videos    map[string]Video
	moments   map[string]Moment // by identifier
	clips     map[int64]Clip    // by moment id
	history   map[string]HistoryEntry
	records   []any // transcripts, prompts, generation configs in insert order
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		videos:  make(map[string]Video),
		moments: make(map[string]Moment),
		clips:   make(map[int64]Clip),
		history: make(map[string]HistoryEntry),
	}
}

func (s *MemoryStore) nextIDLocked() int64 {
	s.nextID++
	return s.nextID
}

// AddVideo seeds a source video for a subject.
func (s *MemoryStore) AddVideo(v Video) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.ID == 0 {
		v.ID = s.nextIDLocked()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	s.videos[v.SubjectID] = v
	return v.ID
}

func (s *MemoryStore) CreateVideo(ctx context.Context, v Video) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.videos[v.SubjectID]; ok {
		existing.Title = v.Title
		existing.SourceURL = v.SourceURL
		s.videos[v.SubjectID] = existing
		return existing.ID, nil
	}
	v.ID = s.nextIDLocked()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	s.videos[v.SubjectID] = v
	return v.ID, nil
}

func (s *MemoryStore) UpdateVideoMedia(ctx context.Context, subjectID string, m VideoMedia) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[subjectID]
	if !ok {
		return fmt.Errorf("%w: video for subject %s", ErrNotFound, subjectID)
	}
	v.CloudKey = m.CloudKey
	v.DurationSeconds = m.DurationSeconds
	v.Width = m.Width
	v.Height = m.Height
	v.HasAudio = m.HasAudio
	s.videos[subjectID] = v
	return nil
}

func (s *MemoryStore) VideoBySubject(ctx context.Context, subjectID string) (Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[subjectID]
	if !ok {
		return Video{}, fmt.Errorf("%w: video for subject %s", ErrNotFound, subjectID)
	}
	return v, nil
}

func (s *MemoryStore) CreateTranscript(ctx context.Context, t Transcript) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = s.nextIDLocked()
	s.records = append(s.records, t)
	return t.ID, nil
}

func (s *MemoryStore) CreatePrompt(ctx context.Context, p Prompt) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = s.nextIDLocked()
	s.records = append(s.records, p)
	return p.ID, nil
}

func (s *MemoryStore) CreateGenerationConfig(ctx context.Context, g GenerationConfig) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g.ID = s.nextIDLocked()
	s.records = append(s.records, g)
	return g.ID, nil
}

func (s *MemoryStore) CreateMoments(ctx context.Context, moments []Moment) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, len(moments))
	for i, m := range moments {
		if existing, ok := s.moments[m.Identifier]; ok {
			ids[i] = existing.ID
			continue
		}
		m.ID = s.nextIDLocked()
		s.moments[m.Identifier] = m
		ids[i] = m.ID
	}
	return ids, nil
}

func (s *MemoryStore) CreateClip(ctx context.Context, c Clip) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.clips[c.MomentID]; ok {
		return existing.ID, nil
	}
	c.ID = s.nextIDLocked()
	s.clips[c.MomentID] = c
	return c.ID, nil
}

func (s *MemoryStore) CreateHistoryEntry(ctx context.Context, h HistoryEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.history[h.RunID]; ok {
		return existing.ID, nil
	}
	h.ID = s.nextIDLocked()
	s.history[h.RunID] = h
	return h.ID, nil
}

// Moments returns the stored moments, for test assertions.
func (s *MemoryStore) Moments() []Moment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Moment, 0, len(s.moments))
	for _, m := range s.moments {
		out = append(out, m)
	}
	return out
}

// Clips returns the stored clips, for test assertions.
func (s *MemoryStore) Clips() []Clip {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Clip, 0, len(s.clips))
	for _, c := range s.clips {
		out = append(out, c)
	}
	return out
}

// HistoryEntries returns the stored history rows, for test assertions.
func (s *MemoryStore) HistoryEntries() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryEntry, 0, len(s.history))
	for _, h := range s.history {
		out = append(out, h)
	}
	return out
}
