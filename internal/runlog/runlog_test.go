package runlog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/ideaheist/internal/model"
	"github.com/ashita-ai/ideaheist/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFileSink(t *testing.T) *FileSink {
	t.Helper()
	sink, err := NewFileSink(t.TempDir(), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	return sink
}

func TestLoggerWritesEntriesThenSummary(t *testing.T) {
	sink := newFileSink(t)
	runID := uuid.New()
	l := New(runID, sink, discardLogger())

	l.Info(model.CategoryStatus, "run started", map[string]any{"videoId": "v1"})
	l.Info(model.CategoryToolCall, "search_titles", map[string]any{"results": 3})
	l.Warn(model.CategoryError, "retrying", nil)

	ok := l.Complete(true, Summary{TotalTokens: 1200, TotalCost: 0.01, ToolCalls: 1, Duration: 1500 * time.Millisecond})
	require.True(t, ok)

	records, err := ReadLog(sink.Path(runID))
	require.NoError(t, err)
	require.Len(t, records, 4)

	for i, rec := range records {
		assert.Equal(t, int64(i+1), rec.Seq())
		assert.Equal(t, runID, rec.RunID())
	}
	require.NotNil(t, records[0].Entry)
	assert.Equal(t, "run started", records[0].Entry.Message)
	assert.Equal(t, "v1", records[0].Entry.Payload["videoId"])
	assert.Equal(t, model.LevelWarn, records[2].Entry.Level)

	summary := records[3].Summary
	require.NotNil(t, summary)
	assert.True(t, summary.Success)
	assert.Equal(t, 1200, summary.TotalTokens)
	assert.Equal(t, 1, summary.ToolCalls)
	assert.Equal(t, int64(1500), summary.DurationMs)
	assert.Equal(t, int64(3), summary.Entries)

	assert.Equal(t, 0, sink.OpenRuns(), "completed run's file is closed")
}

func TestLoggerDropsAfterComplete(t *testing.T) {
	var logs bytes.Buffer
	slogger := slog.New(slog.NewTextHandler(&logs, nil))

	sink := newFileSink(t)
	runID := uuid.New()
	l := New(runID, sink, slogger)

	l.Info(model.CategoryStatus, "before", nil)
	require.True(t, l.Complete(false, Summary{}))

	assert.NotPanics(t, func() {
		l.Info(model.CategoryStatus, "late 1", nil)
		l.Error(model.CategoryError, "late 2", nil)
	})
	assert.False(t, l.Complete(true, Summary{}), "second Complete is a no-op")

	assert.True(t, l.Completed())
	assert.Equal(t, int64(2), l.Dropped())
	assert.Equal(t, 1, strings.Count(logs.String(), "after completion"), "one warning for all drops")

	records, err := ReadLog(sink.Path(runID))
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.NotNil(t, records[1].Summary)
	assert.False(t, records[1].Summary.Success)
}

func TestLoggerDefaultsDurationToElapsed(t *testing.T) {
	var got Record
	l := New(uuid.New(), Discard, discardLogger(), WithObserver(func(r Record) { got = r }))
	time.Sleep(5 * time.Millisecond)
	l.Complete(true, Summary{})
	require.NotNil(t, got.Summary)
	assert.GreaterOrEqual(t, got.Summary.DurationMs, int64(5))
}

func TestLoggerObserverSeesEmissionOrder(t *testing.T) {
	var seqs []int64
	l := New(uuid.New(), Discard, discardLogger(), WithObserver(func(r Record) { seqs = append(seqs, r.Seq()) }))

	for i := 0; i < 5; i++ {
		l.Info(model.CategoryReasoning, fmt.Sprintf("step %d", i), nil)
	}
	l.Complete(true, Summary{})
	l.Info(model.CategoryReasoning, "dropped", nil)

	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, seqs)
}

func TestLoggerConcurrentLogsAreSequenced(t *testing.T) {
	sink := newFileSink(t)
	runID := uuid.New()
	l := New(runID, sink, discardLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				l.Info(model.CategoryToolCall, "call", map[string]any{"worker": i, "n": j})
			}
		}(i)
	}
	wg.Wait()
	l.Complete(true, Summary{})

	records, err := ReadLog(sink.Path(runID))
	require.NoError(t, err)
	require.Len(t, records, 201)
	for i, rec := range records {
		assert.Equal(t, int64(i+1), rec.Seq())
	}
	assert.NotNil(t, records[200].Summary)
}

type failingSink struct{ err error }

func (f failingSink) Append(Record) error { return f.err }
func (f failingSink) CloseRun(uuid.UUID) error { return nil }

func TestLoggerSurvivesSinkFailure(t *testing.T) {
	l := New(uuid.New(), failingSink{err: errors.New("disk full")}, discardLogger())
	assert.NotPanics(t, func() {
		l.Info(model.CategoryStatus, "x", nil)
		l.Complete(true, Summary{})
	})
	assert.Equal(t, int64(2), l.WriteErrors())
}

func TestFileSinkSeparatesRuns(t *testing.T) {
	sink := newFileSink(t)
	a, b := uuid.New(), uuid.New()
	la := New(a, sink, discardLogger())
	lb := New(b, sink, discardLogger())

	var wg sync.WaitGroup
	for _, l := range []*Logger{la, lb} {
		wg.Add(1)
		go func(l *Logger) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				l.Info(model.CategoryReasoning, "thinking", nil)
			}
			l.Complete(true, Summary{})
		}(l)
	}
	wg.Wait()

	for _, id := range []uuid.UUID{a, b} {
		records, err := ReadLog(sink.Path(id))
		require.NoError(t, err)
		require.Len(t, records, 11)
		for _, rec := range records {
			assert.Equal(t, id, rec.RunID())
		}
	}
}

func TestNewFileSinkRejectsEmptyDir(t *testing.T) {
	_, err := NewFileSink("", true)
	require.Error(t, err)
}

func TestReadLogToleratesTruncatedTail(t *testing.T) {
	sink := newFileSink(t)
	runID := uuid.New()
	l := New(runID, sink, discardLogger())
	l.Info(model.CategoryStatus, "one", nil)
	l.Info(model.CategoryStatus, "two", nil)
	require.NoError(t, sink.CloseRun(runID))

	path := sink.Path(runID)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"entry","seq":3,"mess`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	records, err := ReadLog(path)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestDecodeRejectsCorruptMiddleLine(t *testing.T) {
	in := `{"type":"entry","seq":1}` + "\n" + `garbage` + "\n" + `{"type":"entry","seq":3}` + "\n"
	records, err := Decode(strings.NewReader(in))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
	assert.Len(t, records, 1)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode(strings.NewReader(`{"type":"bogus"}` + "\n"))
	require.Error(t, err)
}

func TestReadLogMissingFile(t *testing.T) {
	_, err := ReadLog(filepath.Join(t.TempDir(), "nope.jsonl"))
	require.Error(t, err)
}

type recordingSink struct {
	mu      sync.Mutex
	records []Record
	closed  []uuid.UUID
}

func (r *recordingSink) Append(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recordingSink) CloseRun(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, id)
	return nil
}

func TestMultiSinkFansOutPastFailures(t *testing.T) {
	rec := &recordingSink{}
	multi := MultiSink{failingSink{err: errors.New("boom")}, rec}
	runID := uuid.New()
	l := New(runID, multi, discardLogger())

	l.Info(model.CategoryStatus, "x", nil)
	l.Complete(true, Summary{})

	assert.Len(t, rec.records, 2)
	assert.Equal(t, []uuid.UUID{runID}, rec.closed)
	assert.Equal(t, int64(2), l.WriteErrors())
}

type fakeEventWriter struct {
	mu     sync.Mutex
	fail   int
	events []storage.RunEvent
	calls  int
}

func (f *fakeEventWriter) InsertRunEvents(_ context.Context, events []storage.RunEvent) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail > 0 {
		f.fail--
		return 0, errors.New("connection refused")
	}
	f.events = append(f.events, events...)
	return int64(len(events)), nil
}

func (f *fakeEventWriter) snapshot() []storage.RunEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.RunEvent(nil), f.events...)
}

func TestPostgresSinkDrainFlushes(t *testing.T) {
	w := &fakeEventWriter{}
	mirror := NewPostgresSink(w, discardLogger(), 1000, time.Hour)
	mirror.Start(context.Background())

	runID := uuid.New()
	l := New(runID, mirror, discardLogger())
	l.Info(model.CategoryToolCall, "search_titles", map[string]any{"n": 1})
	l.Complete(true, Summary{TotalTokens: 10})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mirror.Drain(ctx)

	events := w.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, model.RecordEntry, events[0].RecordType)
	assert.Equal(t, "tool_call", events[0].Category)
	assert.Equal(t, model.RecordSummary, events[1].RecordType)
	assert.Equal(t, 10, events[1].Payload["totalTokens"])
	assert.Equal(t, 0, mirror.Len())
}

func TestPostgresSinkRequeuesOnFailure(t *testing.T) {
	w := &fakeEventWriter{fail: 1}
	mirror := NewPostgresSink(w, discardLogger(), 1, 10*time.Millisecond)
	mirror.Start(context.Background())

	l := New(uuid.New(), mirror, discardLogger())
	l.Info(model.CategoryStatus, "x", nil)

	require.Eventually(t, func() bool { return len(w.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mirror.Drain(ctx)
	assert.Equal(t, int64(0), mirror.Dropped())
}
