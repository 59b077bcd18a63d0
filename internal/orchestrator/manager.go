package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/ideaheist/internal/model"
	"github.com/ashita-ai/ideaheist/internal/recovery"
	"github.com/ashita-ai/ideaheist/internal/storage"
)

// ErrShuttingDown is returned by Start once Shutdown has begun.
var ErrShuttingDown = errors.New("orchestrator: shutting down")

// recentRuns is how many finished runs stay queryable in memory.
const recentRuns = 256

// Manager starts runs in their own goroutines and tracks them by ID. Runs
// are detached from the request that started them: a client going away
// does not stop its run.
type Manager struct {
	orch   *Orchestrator
	logger *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.RWMutex
	closing  bool
	active   map[uuid.UUID]*Run
	finished map[uuid.UUID]*Run
	order    []uuid.UUID
}

// NewManager creates a Manager for orch.
func NewManager(orch *Orchestrator, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		orch:     orch,
		logger:   logger,
		baseCtx:  ctx,
		cancel:   cancel,
		active:   make(map[uuid.UUID]*Run),
		finished: make(map[uuid.UUID]*Run),
	}
}

// Start validates req and launches a run. Events go to emit, which may be
// nil.
func (m *Manager) Start(req model.AnalyzeRequest, emit Emitter) (*Run, error) {
	videoID := strings.TrimSpace(req.VideoID)
	if videoID == "" {
		return nil, recovery.InvalidInput("orchestrator: videoId is required")
	}
	if o := req.Options; o != nil {
		if o.MaxTokens < 0 || o.MaxToolCalls < 0 || o.MaxFanouts < 0 || o.MaxDurationMs < 0 {
			return nil, recovery.InvalidInput("orchestrator: budget options must not be negative")
		}
	}

	run := NewRun(uuid.New(), videoID, time.Now())

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	m.active[run.ID()] = run
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer m.retire(run)
		m.orch.Execute(m.baseCtx, run, req.Options, emit)
	}()
	return run, nil
}

// Analyze starts a run and waits for its result. If ctx ends first the run
// keeps going and ctx's error is returned.
func (m *Manager) Analyze(ctx context.Context, req model.AnalyzeRequest, emit Emitter) (model.Result, *Run, error) {
	run, err := m.Start(req, emit)
	if err != nil {
		return model.Result{}, nil, err
	}
	res, err := run.Wait(ctx)
	return res, run, err
}

// Lookup returns an in-memory run, in flight or recently finished.
func (m *Manager) Lookup(id uuid.UUID) (*Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.active[id]; ok {
		return r, true
	}
	r, ok := m.finished[id]
	return r, ok
}

// GetRun returns a run from memory or, failing that, the run store.
func (m *Manager) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	if r, ok := m.Lookup(id); ok {
		return r.Snapshot(), nil
	}
	if m.orch.deps.Runs == nil {
		return model.Run{}, fmt.Errorf("orchestrator: run %s: %w", id, storage.ErrNotFound)
	}
	run, err := m.orch.deps.Runs.GetRun(ctx, id)
	if err != nil {
		return model.Run{}, fmt.Errorf("orchestrator: run %s: %w", id, err)
	}
	return run, nil
}

// ActiveRuns returns the number of runs in flight.
func (m *Manager) ActiveRuns() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Shutdown stops accepting runs and waits for in-flight ones. If ctx ends
// first, the remaining runs are cancelled, which ends each as budget
// exhausted, and Shutdown waits briefly for them to record that.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	n := len(m.active)
	m.mu.Unlock()
	if n > 0 {
		m.logger.Info("orchestrator: waiting for in-flight runs", "runs", n)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
	}

	m.logger.Warn("orchestrator: shutdown deadline reached, cancelling runs", "runs", m.ActiveRuns())
	m.cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		m.logger.Error("orchestrator: runs did not finish after cancellation", "runs", m.ActiveRuns())
	}
	return ctx.Err()
}

func (m *Manager) retire(run *Run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, run.ID())
	m.finished[run.ID()] = run
	m.order = append(m.order, run.ID())
	if len(m.order) > recentRuns {
		delete(m.finished, m.order[0])
		m.order = m.order[1:]
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
