package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RunEvent is one mirrored run log record.
type RunEvent struct {
	RunID      uuid.UUID
	Seq        int64
	RecordType string // "entry" or "summary"
	Level      string
	Category   string
	Message    string
	Payload    map[string]any
	OccurredAt time.Time
}

// InsertRunEvents inserts records using the COPY protocol for high throughput.
func (db *DB) InsertRunEvents(ctx context.Context, events []RunEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	columns := []string{"run_id", "seq", "record_type", "level", "category", "message", "payload", "occurred_at"}

	rows := make([][]any, len(events))
	for i, e := range events {
		payload := e.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		rows[i] = []any{e.RunID, e.Seq, e.RecordType, e.Level, e.Category, e.Message, payload, e.OccurredAt}
	}

	// A hung Postgres must not block the mirror's flush loop indefinitely.
	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	copyCount, err := db.pool.CopyFrom(
		copyCtx,
		pgx.Identifier{"run_events"},
		columns,
		pgx.CopyFromRows(rows),
	)
	copyCancel()
	if err != nil {
		return 0, fmt.Errorf("storage: copy run events: %w", err)
	}
	return copyCount, nil
}

// GetRunEvents returns a run's mirrored records in sequence order.
// If limit <= 0, it defaults to 10000.
func (db *DB) GetRunEvents(ctx context.Context, runID uuid.UUID, limit int) ([]RunEvent, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT run_id, seq, record_type, level, category, message, payload, occurred_at
		 FROM run_events WHERE run_id = $1
		 ORDER BY seq ASC
		 LIMIT $2`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: get run events: %w", err)
	}
	defer rows.Close()

	var events []RunEvent
	for rows.Next() {
		var e RunEvent
		if err := rows.Scan(&e.RunID, &e.Seq, &e.RecordType, &e.Level, &e.Category, &e.Message, &e.Payload, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("storage: scan run event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
