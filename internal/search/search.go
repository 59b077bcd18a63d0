// Package search finds videos by embedding similarity. Each video is indexed
// in three spaces (title, summary, thumbnail) and a query targets exactly one.
package search

import (
	"context"
	"sort"

	"github.com/google/uuid"
)

// Space is an embedding space.
type Space string

const (
	SpaceTitles     Space = "titles"
	SpaceSummaries  Space = "summaries"
	SpaceThumbnails Space = "thumbnails"
)

// Spaces lists every embedding space.
var Spaces = []Space{SpaceTitles, SpaceSummaries, SpaceThumbnails}

// Valid reports whether s is a known space.
func (s Space) Valid() bool {
	switch s {
	case SpaceTitles, SpaceSummaries, SpaceThumbnails:
		return true
	default:
		return false
	}
}

// Result holds a video ID and its cosine similarity to the query.
// The caller hydrates titles and metadata from the video store.
type Result struct {
	VideoID string
	Score   float64
}

// Searcher is the interface for vector search indexes.
// Implementations must be safe for concurrent use.
type Searcher interface {
	// Search returns at most limit videos in space whose similarity to
	// embedding is at least threshold, best first.
	Search(ctx context.Context, space Space, embedding []float32, limit int, threshold float64) ([]Result, error)

	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error
}

// videoNamespace derives stable point IDs from YouTube video IDs, which are
// not valid Qdrant point IDs themselves.
var videoNamespace = uuid.MustParse("6f1c0d4e-3a5b-4c7e-9d21-8b0f5e2a7c13")

// PointID returns the index point ID for a video.
func PointID(videoID string) uuid.UUID {
	return uuid.NewSHA1(videoNamespace, []byte(videoID))
}

// Rank drops results below threshold and duplicate videos (keeping the best
// score), sorts by descending score with video ID as tie-break, and
// truncates to limit.
func Rank(results []Result, threshold float64, limit int) []Result {
	best := make(map[string]float64, len(results))
	for _, r := range results {
		if r.VideoID == "" || r.Score < threshold {
			continue
		}
		if s, ok := best[r.VideoID]; !ok || r.Score > s {
			best[r.VideoID] = r.Score
		}
	}

	out := make([]Result, 0, len(best))
	for id, score := range best {
		out = append(out, Result{VideoID: id, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].VideoID < out[j].VideoID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
