package storage

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/ideaheist/internal/search"
)

// UpsertEmbedding stores a video's embedding in one space.
func (db *DB) UpsertEmbedding(ctx context.Context, space search.Space, videoID string, embedding []float32) error {
	if !space.Valid() {
		return fmt.Errorf("storage: unknown space %q", space)
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO video_embeddings (video_id, space, embedding) VALUES ($1, $2, $3)
		 ON CONFLICT (video_id, space) DO UPDATE SET embedding = EXCLUDED.embedding`,
		videoID, string(space), pgvector.NewVector(embedding),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert embedding %s/%s: %w", space, videoID, err)
	}
	return nil
}

// Search implements search.Searcher with pgvector cosine distance. It is
// used when no Qdrant URL is configured.
func (db *DB) Search(ctx context.Context, space search.Space, embedding []float32, limit int, threshold float64) ([]search.Result, error) {
	if !space.Valid() {
		return nil, fmt.Errorf("storage: unknown space %q", space)
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.pool.Query(ctx,
		`SELECT video_id, 1 - (embedding <=> $1) AS score
		 FROM video_embeddings
		 WHERE space = $2 AND 1 - (embedding <=> $1) >= $3
		 ORDER BY embedding <=> $1
		 LIMIT $4`,
		pgvector.NewVector(embedding), string(space), threshold, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: vector search %s: %w", space, err)
	}
	defer rows.Close()

	var results []search.Result
	for rows.Next() {
		var r search.Result
		if err := rows.Scan(&r.VideoID, &r.Score); err != nil {
			return nil, fmt.Errorf("storage: scan search result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: vector search %s: %w", space, err)
	}
	return search.Rank(results, threshold, limit), nil
}

// Healthy implements search.Searcher.
func (db *DB) Healthy(ctx context.Context) error {
	if err := db.pool.Ping(ctx); err != nil {
		return fmt.Errorf("storage: unhealthy: %w", err)
	}
	return nil
}
