package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/ideaheist/internal/model"
)

// Run is the handle for one analysis. Its state is written only by the
// goroutine executing it and may be read concurrently.
type Run struct {
	id        uuid.UUID
	videoID   string
	startedAt time.Time
	done      chan struct{}

	mu          sync.Mutex
	state       model.RunState
	usage       model.Usage
	result      *model.Result
	completedAt *time.Time
}

// NewRun creates a running run for videoID.
func NewRun(id uuid.UUID, videoID string, startedAt time.Time) *Run {
	return &Run{
		id:        id,
		videoID:   videoID,
		startedAt: startedAt.UTC(),
		done:      make(chan struct{}),
		state:     model.RunStateRunning,
	}
}

// ID returns the run ID.
func (r *Run) ID() uuid.UUID { return r.id }

// VideoID returns the target video.
func (r *Run) VideoID() string { return r.videoID }

// Done is closed when the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

// State returns the current state.
func (r *Run) State() model.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Snapshot returns a copy of the run.
func (r *Run) Snapshot() model.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := model.Run{
		ID:          r.id,
		VideoID:     r.videoID,
		State:       r.state,
		StartedAt:   r.startedAt,
		CompletedAt: r.completedAt,
		Usage:       r.usage,
	}
	if r.result != nil {
		res := *r.result
		out.Result = &res
	}
	return out
}

// Wait blocks until the run is terminal or ctx ends. The run itself is not
// affected by ctx.
func (r *Run) Wait(ctx context.Context) (model.Result, error) {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return *r.result, nil
	case <-ctx.Done():
		return model.Result{}, ctx.Err()
	}
}

func (r *Run) setUsage(u model.Usage) {
	r.mu.Lock()
	r.usage = u
	r.mu.Unlock()
}

// finish moves the run to its terminal state. Only the first call counts.
func (r *Run) finish(state model.RunState, result model.Result, usage model.Usage, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return
	}
	at = at.UTC()
	r.state = state
	r.usage = usage
	r.result = &result
	r.completedAt = &at
	close(r.done)
}
