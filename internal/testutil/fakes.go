package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/ideaheist/internal/model"
	"github.com/ashita-ai/ideaheist/internal/search"
	"github.com/ashita-ai/ideaheist/internal/storage"
)

// MemVideos is an in-memory video store.
type MemVideos struct {
	mu     sync.RWMutex
	videos map[string]model.Video
}

// NewMemVideos returns a store holding videos.
func NewMemVideos(videos ...model.Video) *MemVideos {
	m := &MemVideos{videos: make(map[string]model.Video, len(videos))}
	for _, v := range videos {
		m.videos[v.ID] = v
	}
	return m
}

// Put adds or replaces a video.
func (m *MemVideos) Put(v model.Video) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videos[v.ID] = v
}

func (m *MemVideos) GetVideo(_ context.Context, id string) (model.Video, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.videos[id]
	if !ok {
		return model.Video{}, fmt.Errorf("memvideos: video %s: %w", id, storage.ErrNotFound)
	}
	return v, nil
}

func (m *MemVideos) GetVideos(_ context.Context, ids []string) ([]model.Video, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool, len(ids))
	var out []model.Video
	for _, id := range ids {
		if v, ok := m.videos[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *MemVideos) ChannelBaseline(_ context.Context, channelID, excludeID string, n int) ([]model.Video, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Video
	for _, v := range m.videos {
		if v.ChannelID == channelID && v.ID != excludeID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PublishedAt.Equal(out[j].PublishedAt) {
			return out[i].PublishedAt.After(out[j].PublishedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// StaticSearcher returns canned results per space, filtered and ordered the
// way a real index would.
type StaticSearcher struct {
	Results map[search.Space][]search.Result
	// Errs are returned, one per call, before results are served.
	Errs []error

	mu    sync.Mutex
	calls atomic.Int64
}

func (s *StaticSearcher) Search(_ context.Context, space search.Space, _ []float32, limit int, threshold float64) ([]search.Result, error) {
	s.calls.Add(1)
	s.mu.Lock()
	if len(s.Errs) > 0 {
		err := s.Errs[0]
		s.Errs = s.Errs[1:]
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()
	return search.Rank(s.Results[space], threshold, limit), nil
}

func (s *StaticSearcher) Healthy(context.Context) error { return nil }

// Calls returns how many searches were issued.
func (s *StaticSearcher) Calls() int { return int(s.calls.Load()) }

// ConstEmbedder returns the same non-zero vector for every text.
type ConstEmbedder struct {
	Dims int
}

func (e ConstEmbedder) vector() pgvector.Vector {
	v := make([]float32, e.Dims)
	for i := range v {
		v[i] = 1
	}
	return pgvector.NewVector(v)
}

func (e ConstEmbedder) Embed(context.Context, string) (pgvector.Vector, error) {
	return e.vector(), nil
}

func (e ConstEmbedder) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, len(texts))
	for i := range out {
		out[i] = e.vector()
	}
	return out, nil
}

func (e ConstEmbedder) Dimensions() int { return e.Dims }
