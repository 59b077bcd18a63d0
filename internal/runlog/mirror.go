package runlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/ideaheist/internal/storage"
	"github.com/ashita-ai/ideaheist/internal/telemetry"
)

// maxMirrorCapacity is the hard upper limit on buffered records. Past it,
// Append rejects records rather than growing without bound.
const maxMirrorCapacity = 100_000

// EventWriter is the storage the mirror flushes into.
type EventWriter interface {
	InsertRunEvents(ctx context.Context, events []storage.RunEvent) (int64, error)
}

// PostgresSink buffers records in memory and COPYs them into run_events
// when the batch size or flush interval is reached. It is a best-effort
// mirror: the file sink is the system of record.
type PostgresSink struct {
	db            EventWriter
	logger        *slog.Logger
	maxSize       int
	flushInterval time.Duration

	mu     sync.Mutex
	events []storage.RunEvent

	dropped atomic.Int64

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
}

// NewPostgresSink creates a mirror. Call Start before use and Drain on
// shutdown.
func NewPostgresSink(db EventWriter, logger *slog.Logger, maxSize int, flushInterval time.Duration) *PostgresSink {
	if maxSize <= 0 {
		maxSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &PostgresSink{
		db:            db,
		logger:        logger,
		maxSize:       maxSize,
		flushInterval: flushInterval,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTel gauges.
func (p *PostgresSink) Start(ctx context.Context) {
	p.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancelLoop = cancel
	go p.flushLoop(loopCtx)
}

// Append implements Sink.
func (p *PostgresSink) Append(rec Record) error {
	ev := toRunEvent(rec)

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.events) >= maxMirrorCapacity {
		p.dropped.Add(1)
		return fmt.Errorf("runlog: mirror at capacity (%d records)", len(p.events))
	}
	p.events = append(p.events, ev)

	if len(p.events) >= p.maxSize {
		p.kick()
	}
	return nil
}

// CloseRun implements Sink. The finished run is flushed promptly so GET
// queries against run_events see the summary soon after completion.
func (p *PostgresSink) CloseRun(uuid.UUID) error {
	p.kick()
	return nil
}

func (p *PostgresSink) kick() {
	select {
	case p.flushCh <- struct{}{}:
	default:
	}
}

func (p *PostgresSink) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// ctx is already done; the final flush needs the drain context.
			if p.drainCtx != nil {
				p.flush(p.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				p.flush(fallbackCtx)
				cancel()
			}
			close(p.done)
			return
		case <-ticker.C:
			p.flush(ctx)
		case <-p.flushCh:
			p.flush(ctx)
		}
	}
}

func (p *PostgresSink) flush(ctx context.Context) {
	p.mu.Lock()
	if len(p.events) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.events
	p.events = nil
	p.mu.Unlock()

	start := time.Now()
	count, err := p.db.InsertRunEvents(ctx, batch)
	if err != nil {
		p.logger.Error("runlog: mirror flush failed", "error", err, "batch_size", len(batch))
		p.mu.Lock()
		if len(p.events)+len(batch) <= maxMirrorCapacity {
			p.events = append(batch, p.events...)
		} else {
			p.dropped.Add(int64(len(batch)))
			p.logger.Error("runlog: dropping mirrored records, buffer at capacity after flush failure", "dropped", len(batch))
		}
		p.mu.Unlock()
		return
	}

	p.logger.Debug("runlog: mirror flushed",
		"batch_size", count,
		"flush_duration_ms", time.Since(start).Milliseconds(),
	)
}

// Drain stops the flush loop after a final flush bounded by ctx.
func (p *PostgresSink) Drain(ctx context.Context) {
	p.drainCtx = ctx
	if p.cancelLoop != nil {
		p.cancelLoop()
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		p.logger.Warn("runlog: drain timed out waiting for mirror flush")
	}
}

func (p *PostgresSink) registerMetrics() {
	meter := telemetry.Meter("ideaheist/runlog")

	_, _ = meter.Int64ObservableGauge("ideaheist.runlog.mirror_depth",
		metric.WithDescription("Run log records waiting to be mirrored to Postgres"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(p.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("ideaheist.runlog.mirror_dropped_total",
		metric.WithDescription("Run log records the mirror gave up on"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.Dropped())
			return nil
		}),
	)
}

// Len returns the number of buffered records.
func (p *PostgresSink) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// Dropped returns how many records were never mirrored.
func (p *PostgresSink) Dropped() int64 {
	return p.dropped.Load()
}

func toRunEvent(rec Record) storage.RunEvent {
	if s := rec.Summary; s != nil {
		return storage.RunEvent{
			RunID:      s.RunID,
			Seq:        s.Seq,
			RecordType: s.Type,
			Level:      "info",
			Category:   "summary",
			Message:    fmt.Sprintf("run finished success=%t", s.Success),
			Payload: map[string]any{
				"success":      s.Success,
				"totalTokens":  s.TotalTokens,
				"totalCostUsd": s.TotalCost,
				"toolCalls":    s.ToolCalls,
				"durationMs":   s.DurationMs,
				"entries":      s.Entries,
				"summary":      s.Summary,
			},
			OccurredAt: s.Time,
		}
	}
	e := rec.Entry
	return storage.RunEvent{
		RunID:      e.RunID,
		Seq:        e.Seq,
		RecordType: e.Type,
		Level:      string(e.Level),
		Category:   string(e.Category),
		Message:    e.Message,
		Payload:    e.Payload,
		OccurredAt: e.Time,
	}
}
