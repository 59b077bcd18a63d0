// Package runlog writes the durable, replayable record of one analysis run.
//
// Each run gets its own Logger. Every accepted entry is written to the sink
// as one self-contained JSON line before Log returns, so a crash mid-run
// leaves a valid log that only needs its last partial line discarded.
// Complete appends exactly one summary record; anything logged after that
// is dropped with a single warning.
package runlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/ideaheist/internal/model"
)

// Record is one line of a run log: either an entry or the summary.
type Record struct {
	Entry   *model.LogEntry
	Summary *model.LogSummary
}

// RunID returns the run the record belongs to.
func (r Record) RunID() uuid.UUID {
	if r.Summary != nil {
		return r.Summary.RunID
	}
	if r.Entry != nil {
		return r.Entry.RunID
	}
	return uuid.Nil
}

// Seq returns the record's sequence number within its run.
func (r Record) Seq() int64 {
	if r.Summary != nil {
		return r.Summary.Seq
	}
	if r.Entry != nil {
		return r.Entry.Seq
	}
	return 0
}

// MarshalJSON encodes whichever half is set.
func (r Record) MarshalJSON() ([]byte, error) {
	switch {
	case r.Summary != nil:
		return json.Marshal(r.Summary)
	case r.Entry != nil:
		return json.Marshal(r.Entry)
	default:
		return nil, fmt.Errorf("runlog: empty record")
	}
}

// UnmarshalJSON decodes a line by its "type" field.
func (r *Record) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	switch head.Type {
	case model.RecordEntry:
		r.Entry = &model.LogEntry{}
		return json.Unmarshal(data, r.Entry)
	case model.RecordSummary:
		r.Summary = &model.LogSummary{}
		return json.Unmarshal(data, r.Summary)
	default:
		return fmt.Errorf("runlog: unknown record type %q", head.Type)
	}
}

// Summary is the caller-supplied part of the terminal record.
type Summary struct {
	TotalTokens int
	TotalCost   float64
	ToolCalls   int
	// Duration defaults to the time since the logger was created.
	Duration time.Duration
	Details  map[string]any
}

// Logger is the run log for one run. Safe for concurrent use; entries are
// sequenced in the order Log calls acquire the lock.
type Logger struct {
	runID  uuid.UUID
	sink   Sink
	logger *slog.Logger
	start  time.Time
	now    func() time.Time
	notify func(Record)

	mu          sync.Mutex
	seq         int64
	completed   bool
	warned      bool
	dropped     int64
	writeErrors int64
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock replaces the wall clock used for timestamps. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// WithObserver registers fn to receive every accepted record, in order,
// after it has been handed to the sink. fn runs under the logger's lock and
// must not call back into the logger.
func WithObserver(fn func(Record)) Option {
	return func(l *Logger) { l.notify = fn }
}

// New creates the logger for runID. Operational problems (sink failures,
// writes after completion) are reported through logger, never returned.
func New(runID uuid.UUID, sink Sink, logger *slog.Logger, opts ...Option) *Logger {
	l := &Logger{
		runID:  runID,
		sink:   sink,
		logger: logger.With("run_id", runID),
		start:  time.Now(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RunID returns the run this logger records.
func (l *Logger) RunID() uuid.UUID { return l.runID }

// Log appends one entry. After Complete it drops the entry instead; the
// first such drop is reported once as a warning.
func (l *Logger) Log(level model.LogLevel, category model.LogCategory, message string, payload map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.completed {
		l.dropped++
		if !l.warned {
			l.warned = true
			l.logger.Warn("runlog: entry logged after completion, dropping",
				"category", category, "message", message)
		}
		return
	}

	l.seq++
	entry := &model.LogEntry{
		Type:     model.RecordEntry,
		Seq:      l.seq,
		Time:     l.now().UTC(),
		RunID:    l.runID,
		Level:    level,
		Category: category,
		Message:  message,
		Payload:  payload,
	}
	l.write(Record{Entry: entry})
}

// Info logs at info level.
func (l *Logger) Info(category model.LogCategory, message string, payload map[string]any) {
	l.Log(model.LevelInfo, category, message, payload)
}

// Warn logs at warn level.
func (l *Logger) Warn(category model.LogCategory, message string, payload map[string]any) {
	l.Log(model.LevelWarn, category, message, payload)
}

// Error logs at error level.
func (l *Logger) Error(category model.LogCategory, message string, payload map[string]any) {
	l.Log(model.LevelError, category, message, payload)
}

// Complete writes the summary record and closes the run's log. Only the
// first call has any effect; it reports whether this call was the one.
func (l *Logger) Complete(success bool, s Summary) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.completed {
		return false
	}
	l.completed = true

	duration := s.Duration
	if duration <= 0 {
		duration = time.Since(l.start)
	}
	l.seq++
	summary := &model.LogSummary{
		Type:        model.RecordSummary,
		Seq:         l.seq,
		Time:        l.now().UTC(),
		RunID:       l.runID,
		Success:     success,
		TotalTokens: s.TotalTokens,
		TotalCost:   s.TotalCost,
		ToolCalls:   s.ToolCalls,
		DurationMs:  duration.Milliseconds(),
		Entries:     l.seq - 1,
		Summary:     s.Details,
	}
	l.write(Record{Summary: summary})

	if err := l.sink.CloseRun(l.runID); err != nil {
		l.logger.Error("runlog: close run log", "error", err)
	}
	return true
}

// Completed reports whether Complete has been called.
func (l *Logger) Completed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.completed
}

// Dropped returns how many entries were discarded after completion.
func (l *Logger) Dropped() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// WriteErrors returns how many records the sink failed to persist.
func (l *Logger) WriteErrors() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeErrors
}

// write must be called with l.mu held.
func (l *Logger) write(rec Record) {
	if err := l.sink.Append(rec); err != nil {
		l.writeErrors++
		l.logger.Error("runlog: write failed", "seq", rec.Seq(), "error", err)
	}
	if l.notify != nil {
		l.notify(rec)
	}
}
