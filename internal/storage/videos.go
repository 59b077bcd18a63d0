package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/ideaheist/internal/model"
)

const videoColumns = `id, title, channel_id, channel_name, view_count, published_at,
	performance_ratio, thumbnail_url, topic_tags, format_type, summary`

// GetVideo retrieves a video by ID. Returns ErrNotFound when absent.
func (db *DB) GetVideo(ctx context.Context, id string) (model.Video, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id)
	v, err := scanVideo(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Video{}, fmt.Errorf("storage: video %s: %w", id, ErrNotFound)
		}
		return model.Video{}, fmt.Errorf("storage: get video: %w", err)
	}
	return v, nil
}

// GetVideos retrieves the videos with the given IDs, in the order requested.
// Missing IDs are skipped.
func (db *DB) GetVideos(ctx context.Context, ids []string) ([]model.Video, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+videoColumns+` FROM videos WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: get videos: %w", err)
	}
	found, err := scanVideos(rows)
	if err != nil {
		return nil, fmt.Errorf("storage: get videos: %w", err)
	}

	byID := make(map[string]model.Video, len(found))
	for _, v := range found {
		byID[v.ID] = v
	}
	out := make([]model.Video, 0, len(found))
	for _, id := range ids {
		if v, ok := byID[id]; ok {
			out = append(out, v)
			delete(byID, id)
		}
	}
	return out, nil
}

// ChannelBaseline returns up to n of the channel's most recent videos,
// excluding excludeID. These are the normal-performance reference set.
func (db *DB) ChannelBaseline(ctx context.Context, channelID, excludeID string, n int) ([]model.Video, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+videoColumns+` FROM videos
		 WHERE channel_id = $1 AND id <> $2
		 ORDER BY published_at DESC, id ASC
		 LIMIT $3`, channelID, excludeID, n)
	if err != nil {
		return nil, fmt.Errorf("storage: channel baseline: %w", err)
	}
	videos, err := scanVideos(rows)
	if err != nil {
		return nil, fmt.Errorf("storage: channel baseline: %w", err)
	}
	return videos, nil
}

// UpsertVideo inserts or replaces a video record. Used by seeding and tests;
// the import pipeline that owns the corpus writes the table directly.
func (db *DB) UpsertVideo(ctx context.Context, v model.Video) error {
	tags := v.TopicTags
	if tags == nil {
		tags = []string{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO videos (`+videoColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   title = EXCLUDED.title, channel_id = EXCLUDED.channel_id,
		   channel_name = EXCLUDED.channel_name, view_count = EXCLUDED.view_count,
		   published_at = EXCLUDED.published_at, performance_ratio = EXCLUDED.performance_ratio,
		   thumbnail_url = EXCLUDED.thumbnail_url, topic_tags = EXCLUDED.topic_tags,
		   format_type = EXCLUDED.format_type, summary = EXCLUDED.summary`,
		v.ID, v.Title, v.ChannelID, v.ChannelName, v.ViewCount, v.PublishedAt,
		v.PerformanceRatio, v.ThumbnailURL, tags, v.FormatType, v.Summary,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert video %s: %w", v.ID, err)
	}
	return nil
}

func scanVideo(row pgx.Row) (model.Video, error) {
	var v model.Video
	err := row.Scan(
		&v.ID, &v.Title, &v.ChannelID, &v.ChannelName, &v.ViewCount, &v.PublishedAt,
		&v.PerformanceRatio, &v.ThumbnailURL, &v.TopicTags, &v.FormatType, &v.Summary,
	)
	return v, err
}

func scanVideos(rows pgx.Rows) ([]model.Video, error) {
	defer rows.Close()
	var videos []model.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}
