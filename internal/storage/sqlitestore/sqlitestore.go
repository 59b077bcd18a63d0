// Package sqlitestore is a single-file video corpus and run store for local
// development, backed by the pure-Go SQLite driver.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/ideaheist/internal/model"
	"github.com/ashita-ai/ideaheist/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS videos (
	id                TEXT PRIMARY KEY,
	title             TEXT NOT NULL,
	channel_id        TEXT NOT NULL,
	channel_name      TEXT NOT NULL DEFAULT '',
	view_count        INTEGER NOT NULL DEFAULT 0,
	published_at      TEXT NOT NULL,
	performance_ratio REAL NOT NULL DEFAULT 1,
	thumbnail_url     TEXT NOT NULL DEFAULT '',
	topic_tags        TEXT NOT NULL DEFAULT '[]',
	format_type       TEXT NOT NULL DEFAULT '',
	summary           TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_videos_channel_published ON videos(channel_id, published_at DESC);

CREATE TABLE IF NOT EXISTS analysis_runs (
	id           TEXT PRIMARY KEY,
	video_id     TEXT NOT NULL,
	state        TEXT NOT NULL,
	started_at   TEXT NOT NULL,
	completed_at TEXT,
	usage        TEXT NOT NULL DEFAULT '{}',
	result       TEXT
);
`

// tsLayout is fixed-width so timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

const videoColumns = `id, title, channel_id, channel_name, view_count, published_at,
	performance_ratio, thumbnail_url, topic_tags, format_type, summary`

// Store is a SQLite-backed video and run store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
// Use ":memory:" for an ephemeral store.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	// One writer at a time; an in-memory database is per-connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000; PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: pragmas: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertVideo inserts or replaces a video record.
func (s *Store) UpsertVideo(ctx context.Context, v model.Video) error {
	tags, err := json.Marshal(nonNil(v.TopicTags))
	if err != nil {
		return fmt.Errorf("sqlitestore: encode tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO videos (`+videoColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.Title, v.ChannelID, v.ChannelName, v.ViewCount, v.PublishedAt.UTC().Format(tsLayout),
		v.PerformanceRatio, v.ThumbnailURL, string(tags), v.FormatType, v.Summary,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: upsert video %s: %w", v.ID, err)
	}
	return nil
}

// GetVideo retrieves a video by ID. Returns storage.ErrNotFound when absent.
func (s *Store) GetVideo(ctx context.Context, id string) (model.Video, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = ?`, id)
	v, err := scanVideo(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Video{}, fmt.Errorf("sqlitestore: video %s: %w", id, storage.ErrNotFound)
		}
		return model.Video{}, fmt.Errorf("sqlitestore: get video: %w", err)
	}
	return v, nil
}

// GetVideos retrieves the videos with the given IDs, in the order requested.
// Missing IDs are skipped.
func (s *Store) GetVideos(ctx context.Context, ids []string) ([]model.Video, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+videoColumns+` FROM videos WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get videos: %w", err)
	}
	found, err := scanVideos(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get videos: %w", err)
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
// excluding excludeID.
func (s *Store) ChannelBaseline(ctx context.Context, channelID, excludeID string, n int) ([]model.Video, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+videoColumns+` FROM videos
		 WHERE channel_id = ? AND id <> ?
		 ORDER BY published_at DESC, id ASC
		 LIMIT ?`, channelID, excludeID, n)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: channel baseline: %w", err)
	}
	videos, err := scanVideos(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: channel baseline: %w", err)
	}
	return videos, nil
}

// SaveRun inserts or updates a run. Terminal runs are never overwritten.
func (s *Store) SaveRun(ctx context.Context, run model.Run) error {
	usage, err := json.Marshal(run.Usage)
	if err != nil {
		return fmt.Errorf("sqlitestore: encode usage: %w", err)
	}
	var result, completed sql.NullString
	if run.Result != nil {
		b, err := json.Marshal(run.Result)
		if err != nil {
			return fmt.Errorf("sqlitestore: encode result: %w", err)
		}
		result = sql.NullString{String: string(b), Valid: true}
	}
	if run.CompletedAt != nil {
		completed = sql.NullString{String: run.CompletedAt.UTC().Format(tsLayout), Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO analysis_runs (id, video_id, state, started_at, completed_at, usage, result)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   state = excluded.state, completed_at = excluded.completed_at,
		   usage = excluded.usage, result = excluded.result
		 WHERE analysis_runs.state = 'running'`,
		run.ID.String(), run.VideoID, string(run.State), run.StartedAt.UTC().Format(tsLayout),
		completed, string(usage), result,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: save run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID. Returns storage.ErrNotFound when absent.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	var (
		run               model.Run
		rawID, state      string
		started, usage    string
		completed, result sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, video_id, state, started_at, completed_at, usage, result
		 FROM analysis_runs WHERE id = ?`, id.String(),
	).Scan(&rawID, &run.VideoID, &state, &started, &completed, &usage, &result)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Run{}, fmt.Errorf("sqlitestore: run %s: %w", id, storage.ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("sqlitestore: get run: %w", err)
	}

	run.ID = id
	run.State = model.RunState(state)
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return model.Run{}, fmt.Errorf("sqlitestore: parse started_at: %w", err)
	}
	if completed.Valid {
		t, err := time.Parse(time.RFC3339Nano, completed.String)
		if err != nil {
			return model.Run{}, fmt.Errorf("sqlitestore: parse completed_at: %w", err)
		}
		run.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(usage), &run.Usage); err != nil {
		return model.Run{}, fmt.Errorf("sqlitestore: decode usage: %w", err)
	}
	if result.Valid {
		run.Result = &model.Result{}
		if err := json.Unmarshal([]byte(result.String), run.Result); err != nil {
			return model.Run{}, fmt.Errorf("sqlitestore: decode result: %w", err)
		}
	}
	return run, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVideo(row scanner) (model.Video, error) {
	var (
		v         model.Video
		published string
		tags      string
	)
	if err := row.Scan(
		&v.ID, &v.Title, &v.ChannelID, &v.ChannelName, &v.ViewCount, &published,
		&v.PerformanceRatio, &v.ThumbnailURL, &tags, &v.FormatType, &v.Summary,
	); err != nil {
		return model.Video{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, published)
	if err != nil {
		return model.Video{}, fmt.Errorf("parse published_at %q: %w", published, err)
	}
	v.PublishedAt = t
	if err := json.Unmarshal([]byte(tags), &v.TopicTags); err != nil {
		return model.Video{}, fmt.Errorf("decode topic_tags: %w", err)
	}
	return v, nil
}

func scanVideos(rows *sql.Rows) ([]model.Video, error) {
	defer func() { _ = rows.Close() }()
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

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
