package runlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Sink persists run log records. Append is called with records of one run
// in sequence order; implementations must be safe for concurrent runs.
type Sink interface {
	Append(rec Record) error
	// CloseRun is called once after a run's summary has been appended.
	CloseRun(runID uuid.UUID) error
}

// FileSink writes one <runID>.jsonl file per run under a directory. Each
// record is a single write of one JSON line; in sync mode the file is
// fsynced before Append returns.
type FileSink struct {
	dir      string
	syncEach bool

	mu    sync.Mutex
	files map[uuid.UUID]*os.File
}

// NewFileSink creates dir if needed and checks that it is writable.
func NewFileSink(dir string, syncEach bool) (*FileSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("runlog: log directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("runlog: create directory: %w", err)
	}
	check := filepath.Join(dir, ".runlog_writable")
	f, err := os.Create(check) //nolint:gosec // path is built from configuration
	if err != nil {
		return nil, fmt.Errorf("runlog: directory not writable: %w", err)
	}
	_ = f.Close()
	_ = os.Remove(check)

	return &FileSink{dir: dir, syncEach: syncEach, files: make(map[uuid.UUID]*os.File)}, nil
}

// Path returns the log file path for a run.
func (s *FileSink) Path(runID uuid.UUID) string {
	return filepath.Join(s.dir, runID.String()+".jsonl")
}

// Append implements Sink.
func (s *FileSink) Append(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("runlog: encode record %d: %w", rec.Seq(), err)
	}
	line = append(line, '\n')

	f, err := s.file(rec.RunID())
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("runlog: write record %d: %w", rec.Seq(), err)
	}
	if s.syncEach {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("runlog: sync record %d: %w", rec.Seq(), err)
		}
	}
	return nil
}

// CloseRun implements Sink.
func (s *FileSink) CloseRun(runID uuid.UUID) error {
	s.mu.Lock()
	f, ok := s.files[runID]
	delete(s.files, runID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("runlog: sync on close: %w", err)
	}
	return f.Close()
}

// Close closes every file still open, for runs interrupted by shutdown.
func (s *FileSink) Close() error {
	s.mu.Lock()
	files := s.files
	s.files = make(map[uuid.UUID]*os.File)
	s.mu.Unlock()

	var errs []error
	for _, f := range files {
		if err := f.Sync(); err != nil {
			errs = append(errs, err)
		}
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenRuns returns the number of run files currently open.
func (s *FileSink) OpenRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

func (s *FileSink) file(runID uuid.UUID) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.files[runID]; ok {
		return f, nil
	}
	f, err := os.OpenFile(s.Path(runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // name is a UUID
	if err != nil {
		return nil, fmt.Errorf("runlog: open run log: %w", err)
	}
	s.files[runID] = f
	return f, nil
}

// MultiSink fans records out to several sinks. Every sink sees every
// record even if an earlier one fails.
type MultiSink []Sink

// Append implements Sink.
func (m MultiSink) Append(rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseRun implements Sink.
func (m MultiSink) CloseRun(runID uuid.UUID) error {
	var errs []error
	for _, s := range m {
		if err := s.CloseRun(runID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Append(Record) error { return nil }
func (discard) CloseRun(uuid.UUID) error { return nil }
