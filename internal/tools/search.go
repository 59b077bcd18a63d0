package tools

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/ideaheist/internal/model"
	"github.com/ashita-ai/ideaheist/internal/search"
	"github.com/ashita-ai/ideaheist/internal/service/embedding"
)

// Search defaults and bounds.
const (
	DefaultLimit     = 10
	MaxLimit         = 50
	DefaultThreshold = 0.5
)

// SearchTool runs a semantic search over one embedding space.
type SearchTool struct {
	name        string
	queryField  string
	description string
	space       search.Space

	embedder embedding.Provider
	searcher search.Searcher
	videos   VideoStore
}

// NewSearchTools returns the title, summary, and thumbnail search tools.
func NewSearchTools(embedder embedding.Provider, searcher search.Searcher, videos VideoStore) []*SearchTool {
	return []*SearchTool{
		{
			name:        SearchTitles,
			queryField:  "query",
			description: "Find videos whose titles are literally similar to the query. Use for hook wording, title structure, and phrasing.",
			space:       search.SpaceTitles,
			embedder:    embedder, searcher: searcher, videos: videos,
		},
		{
			name:        SearchSummaries,
			queryField:  "query",
			description: "Find videos whose content summaries are conceptually similar to the query. Use for topic, premise, and narrative.",
			space:       search.SpaceSummaries,
			embedder:    embedder, searcher: searcher, videos: videos,
		},
		{
			name:        SearchThumbnail,
			queryField:  "visual_query",
			description: "Find videos whose thumbnails match a visual description, e.g. \"close-up shocked face with red arrow\".",
			space:       search.SpaceThumbnails,
			embedder:    embedder, searcher: searcher, videos: videos,
		},
	}
}

func (t *SearchTool) Name() string { return t.name }

func (t *SearchTool) Definition() mcplib.Tool {
	return mcplib.NewTool(t.name,
		mcplib.WithDescription(t.description+"\n\nResults are ordered by descending similarity and cut at the threshold."),
		mcplib.WithReadOnlyHintAnnotation(true),
		mcplib.WithIdempotentHintAnnotation(true),
		mcplib.WithOpenWorldHintAnnotation(false),
		mcplib.WithString(t.queryField,
			mcplib.Description("Natural language query"),
			mcplib.Required(),
			mcplib.MinLength(1),
		),
		mcplib.WithNumber("limit",
			mcplib.Description("Maximum number of results"),
			mcplib.Min(1),
			mcplib.Max(MaxLimit),
			mcplib.DefaultNumber(DefaultLimit),
		),
		mcplib.WithNumber("threshold",
			mcplib.Description("Minimum similarity score (0-1)"),
			mcplib.Min(0),
			mcplib.Max(1),
			mcplib.DefaultNumber(DefaultThreshold),
		),
	)
}

type searchInput struct {
	Query       string   `json:"query"`
	VisualQuery string   `json:"visual_query"`
	Limit       *int     `json:"limit"`
	Threshold   *float64 `json:"threshold"`
}

// Execute returns []model.SearchHit, best first.
func (t *SearchTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var in searchInput
	if err := decode(t.name, args, &in); err != nil {
		return nil, err
	}
	query := in.Query
	if t.queryField == "visual_query" {
		query = in.VisualQuery
	}
	limit := DefaultLimit
	if in.Limit != nil {
		limit = *in.Limit
	}
	threshold := DefaultThreshold
	if in.Threshold != nil {
		threshold = *in.Threshold
	}

	vec, err := t.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("tools: %s: embed query: %w", t.name, err)
	}
	hits := []model.SearchHit{}
	if isZero(vec.Slice()) {
		// No embedding provider: nothing can score above a positive threshold.
		return hits, nil
	}

	// Over-fetch so results for videos dropped from the corpus do not eat
	// into the limit.
	results, err := t.searcher.Search(ctx, t.space, vec.Slice(), 2*limit, threshold)
	if err != nil {
		return nil, fmt.Errorf("tools: %s: %w", t.name, err)
	}
	results = search.Rank(results, threshold, 2*limit)
	if len(results) == 0 {
		return hits, nil
	}

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.VideoID
	}
	videos, err := t.videos.GetVideos(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("tools: %s: hydrate results: %w", t.name, err)
	}
	titles := make(map[string]string, len(videos))
	for _, v := range videos {
		titles[v.ID] = v.Title
	}
	for _, r := range results {
		title, ok := titles[r.VideoID]
		if !ok {
			// Indexed but no longer in the corpus.
			continue
		}
		hits = append(hits, model.SearchHit{VideoID: r.VideoID, Title: title, Score: r.Score})
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
