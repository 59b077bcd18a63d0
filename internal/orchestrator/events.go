package orchestrator

import (
	"sync"
	"time"

	"github.com/ashita-ai/ideaheist/internal/llm"
	"github.com/ashita-ai/ideaheist/internal/model"
)

// Emitter receives a run's progress events in emission order. Emit is
// called from the run's goroutine and must not block for long.
type Emitter interface {
	Emit(ev model.Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(model.Event)

// Emit implements Emitter.
func (f EmitterFunc) Emit(ev model.Event) { f(ev) }

// Recorder is an Emitter that keeps every event. Used by tests and by
// blocking (non-streaming) analyze calls.
type Recorder struct {
	mu     sync.Mutex
	events []model.Event
}

// Emit implements Emitter.
func (r *Recorder) Emit(ev model.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []model.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// Event payloads.

// StatusData reports a state machine transition.
type StatusData struct {
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

// VideoFoundData is sent once the target and its baseline are loaded.
type VideoFoundData struct {
	Video         model.VideoBundle `json:"video"`
	BaselineCount int               `json:"baselineCount"`
	BaselineRatio float64           `json:"baselineMedianRatio,omitempty"`
}

// TaskBoardData is the full task list; every update resends all tasks.
type TaskBoardData struct {
	Tasks []model.Task `json:"tasks"`
}

// ReasoningData carries model text and the current hypothesis, if any.
type ReasoningData struct {
	Turn       int               `json:"turn"`
	Text       string            `json:"text,omitempty"`
	Hypothesis *model.Hypothesis `json:"hypothesis,omitempty"`
}

// ToolCallData describes one finished tool call.
type ToolCallData struct {
	Turn       int    `json:"turn"`
	CallID     string `json:"callId,omitempty"`
	Tool       string `json:"tool"`
	Status     string `json:"status"` // ok or error
	Attempts   int    `json:"attempts"`
	DurationMs int64  `json:"durationMs"`
	Results    int    `json:"results,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorKind  string `json:"errorKind,omitempty"`
}

// ModelCallData describes one finished model call.
type ModelCallData struct {
	Turn       int       `json:"turn"`
	Provider   string    `json:"provider,omitempty"`
	Model      string    `json:"model,omitempty"`
	Tier       llm.Tier  `json:"tier"`
	Usage      llm.Usage `json:"usage"`
	ToolCalls  int       `json:"toolCalls"`
	Attempts   int       `json:"attempts"`
	DurationMs int64     `json:"durationMs"`
	JSONMode   bool      `json:"jsonMode,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// MetricsData is the running usage footer.
type MetricsData struct {
	Turn          int         `json:"turn"`
	Usage         model.Usage `json:"usage"`
	MaxTokens     int         `json:"maxTokens,omitempty"`
	MaxToolCalls  int         `json:"maxToolCalls,omitempty"`
	MaxDurationMs int64       `json:"maxDurationMs,omitempty"`
}

// eventSeq stamps events for one run. Only the run goroutine emits, so the
// counter needs no lock.
type eventSeq struct {
	out  Emitter
	seq  int64
	now  func() time.Time
	done bool
}

func (s *eventSeq) emit(typ model.EventType, data any) {
	if s.done {
		return
	}
	s.seq++
	s.done = typ == model.EventComplete
	s.out.Emit(model.Event{Seq: s.seq, Type: typ, Time: s.now().UTC(), Data: data})
}
