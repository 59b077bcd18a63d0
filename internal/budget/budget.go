// Package budget tracks a run's consumption of tokens, tool calls, fan-out
// searches, and wall-clock time against fixed ceilings.
//
// Reserve is checked before a unit of work starts and Record is called after
// it finishes with the actual cost. Both take the tracker's mutex, so a
// Reserve/Record pair cannot race with another operation or with readers
// such as the metrics heartbeat.
package budget

import (
	"sync"
	"time"

	"github.com/ashita-ai/ideaheist/internal/model"
)

// Kind is a budgeted resource.
type Kind string

const (
	Tokens    Kind = "tokens"
	ToolCalls Kind = "tool_calls"
	Fanouts   Kind = "fanouts"
	Duration  Kind = "duration"
)

// Limits are the ceilings for one run. A zero or negative value disables
// that ceiling.
type Limits struct {
	MaxTokens    int
	MaxToolCalls int
	MaxFanouts   int
	MaxDuration  time.Duration
}

// Pricing converts token counts into an estimated USD cost.
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// Cost returns the estimated cost of the given token counts.
func (p Pricing) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1e6*p.InputPerMillion + float64(outputTokens)/1e6*p.OutputPerMillion
}

// Clock returns a monotonic elapsed duration since the tracker started.
type Clock func() time.Duration

// monotonicClock measures from start using the monotonic reading carried by
// time.Now, so wall-clock adjustments do not affect it.
func monotonicClock() Clock {
	start := time.Now()
	return func() time.Duration { return time.Since(start) }
}

// Tracker enforces Limits for a single run. Safe for concurrent use.
type Tracker struct {
	limits  Limits
	elapsed Clock

	mu        sync.Mutex
	tokens    int
	toolCalls int
	fanouts   int
	cost      float64
	reserved  map[Kind]int
	exhausted Kind
}

// New creates a tracker whose clock starts now.
func New(limits Limits) *Tracker {
	return NewWithClock(limits, monotonicClock())
}

// NewWithClock creates a tracker with an injected clock. Used by tests.
func NewWithClock(limits Limits, clock Clock) *Tracker {
	return &Tracker{
		limits:   limits,
		elapsed:  clock,
		reserved: make(map[Kind]int),
	}
}

// Limits returns the configured ceilings.
func (t *Tracker) Limits() Limits {
	return t.limits
}

// Reserve reports whether the run can afford amount more of kind. It denies
// once any ceiling has been reached (including elapsed time), so no new unit
// of work starts after exhaustion. A granted reservation for tool calls or
// fan-outs is held until the matching Record or Release. Token usage is only
// known after a model call, so a token reservation is granted while any
// headroom remains and is not held; the last call may overshoot.
func (t *Tracker) Reserve(kind Kind, amount int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.checkExhaustedLocked() {
		return false
	}

	switch kind {
	case Tokens:
		return true // headroom checked above
	case ToolCalls:
		if t.limits.MaxToolCalls > 0 && t.toolCalls+t.reserved[ToolCalls]+amount > t.limits.MaxToolCalls {
			return false
		}
	case Fanouts:
		if t.limits.MaxFanouts > 0 && t.fanouts+t.reserved[Fanouts]+amount > t.limits.MaxFanouts {
			return false
		}
	case Duration:
		return true // checked above
	default:
		return false
	}
	t.reserved[kind] += amount
	return true
}

// Record adds the actual cost of a finished operation. It always records,
// even past a ceiling, and releases up to amount of any held reservation.
func (t *Tracker) Record(kind Kind, amount int) {
	if amount < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if r := t.reserved[kind]; r > 0 {
		t.reserved[kind] = max(0, r-amount)
	}
	switch kind {
	case Tokens:
		t.tokens += amount
	case ToolCalls:
		t.toolCalls += amount
	case Fanouts:
		t.fanouts += amount
	}
	t.checkExhaustedLocked()
}

// Release drops a held reservation without recording usage, for work that
// was reserved but never started.
func (t *Tracker) Release(kind Kind, amount int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reserved[kind] = max(0, t.reserved[kind]-amount)
}

// RecordCost adds an estimated USD cost.
func (t *Tracker) RecordCost(usd float64) {
	if usd <= 0 {
		return
	}
	t.mu.Lock()
	t.cost += usd
	t.mu.Unlock()
}

// Exhausted returns the first ceiling that was reached, if any.
func (t *Tracker) Exhausted() (Kind, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkExhaustedLocked()
	return t.exhausted, t.exhausted != ""
}

// Remaining returns the wall-clock time left, or 0 when it has run out.
// Returns -1 when no duration ceiling is configured.
func (t *Tracker) Remaining() time.Duration {
	if t.limits.MaxDuration <= 0 {
		return -1
	}
	return max(0, t.limits.MaxDuration-t.elapsed())
}

// Snapshot returns a copy of the current consumption.
func (t *Tracker) Snapshot() model.Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return model.Usage{
		Tokens:     t.tokens,
		ToolCalls:  t.toolCalls,
		Fanouts:    t.fanouts,
		DurationMs: t.elapsed().Milliseconds(),
		CostUSD:    t.cost,
	}
}

// checkExhaustedLocked latches the first ceiling reached. Consumption only
// grows, so once exhausted a tracker stays exhausted.
func (t *Tracker) checkExhaustedLocked() bool {
	if t.exhausted != "" {
		return true
	}
	switch {
	case t.limits.MaxDuration > 0 && t.elapsed() >= t.limits.MaxDuration:
		t.exhausted = Duration
	case t.limits.MaxTokens > 0 && t.tokens >= t.limits.MaxTokens:
		t.exhausted = Tokens
	case t.limits.MaxToolCalls > 0 && t.toolCalls >= t.limits.MaxToolCalls:
		t.exhausted = ToolCalls
	case t.limits.MaxFanouts > 0 && t.fanouts >= t.limits.MaxFanouts:
		t.exhausted = Fanouts
	}
	return t.exhausted != ""
}
