package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/ideaheist/internal/model"
)

// SaveRun inserts or updates a run. Terminal runs are immutable: once a row
// reaches a terminal state, later saves leave it untouched.
func (db *DB) SaveRun(ctx context.Context, run model.Run) error {
	err := retryWrite(ctx, "save_run", func(ctx context.Context) error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO analysis_runs (id, video_id, state, started_at, completed_at, usage, result)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO UPDATE SET
			   state = EXCLUDED.state, completed_at = EXCLUDED.completed_at,
			   usage = EXCLUDED.usage, result = EXCLUDED.result
			 WHERE analysis_runs.state = 'running'`,
			run.ID, run.VideoID, string(run.State), run.StartedAt, run.CompletedAt, run.Usage, run.Result,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: save run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID. Returns ErrNotFound when absent.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, video_id, state, started_at, completed_at, usage, result
		 FROM analysis_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// ListRunsByVideo returns the most recent runs for a video, newest first.
// If limit <= 0, it defaults to 20.
func (db *DB) ListRunsByVideo(ctx context.Context, videoID string, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, video_id, state, started_at, completed_at, usage, result
		 FROM analysis_runs WHERE video_id = $1
		 ORDER BY started_at DESC
		 LIMIT $2`, videoID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row pgx.Row) (model.Run, error) {
	var (
		run   model.Run
		state string
	)
	err := row.Scan(&run.ID, &run.VideoID, &state, &run.StartedAt, &run.CompletedAt, &run.Usage, &run.Result)
	run.State = model.RunState(state)
	return run, err
}
