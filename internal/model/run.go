// Package model defines the core domain types for ideaheist.
//
// Types here are shared by the orchestrator, storage, and HTTP layers and
// carry no behaviour beyond small helpers. JSON field names follow the
// public analyze API (camelCase).
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunState is the externally visible lifecycle state of an analysis run.
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFallback  RunState = "fallback"
	RunStateFailed    RunState = "failed"
)

// Terminal reports whether the state is final.
func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateFallback || s == RunStateFailed
}

// Mode tells the caller which path produced a result.
type Mode string

const (
	ModeAgentic  Mode = "agentic"
	ModeFallback Mode = "fallback"
)

// AnalyzeOptions are the caller-supplied overrides for one run. Zero values
// mean "use the configured default".
type AnalyzeOptions struct {
	MaxTokens         int   `json:"maxTokens,omitempty"`
	MaxToolCalls      int   `json:"maxToolCalls,omitempty"`
	MaxDurationMs     int64 `json:"maxDurationMs,omitempty"`
	MaxFanouts        int   `json:"maxFanouts,omitempty"`
	FallbackToClassic *bool `json:"fallbackToClassic,omitempty"`
}

// AnalyzeRequest is the request body for POST /v1/analyze.
type AnalyzeRequest struct {
	VideoID string          `json:"videoId"`
	Options *AnalyzeOptions `json:"options,omitempty"`
}

// Run is one end-to-end analysis attempt for a target video.
// Owned by the orchestrator until terminal; immutable afterwards.
type Run struct {
	ID          uuid.UUID  `json:"id"`
	VideoID     string     `json:"videoId"`
	State       RunState   `json:"state"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Usage       Usage      `json:"usage"`
	Result      *Result    `json:"result,omitempty"`
}

// Usage is a point-in-time copy of a run's budget consumption.
type Usage struct {
	Tokens     int     `json:"tokens"`
	ToolCalls  int     `json:"toolCalls"`
	Fanouts    int     `json:"fanouts"`
	DurationMs int64   `json:"durationMs"`
	CostUSD    float64 `json:"costUsd"`
}

// Result is the terminal payload of a run, returned to the caller both as
// the JSON body of a blocking analyze call and inside the complete event.
type Result struct {
	RunID           uuid.UUID `json:"runId"`
	Success         bool      `json:"success"`
	Mode            Mode      `json:"mode"`
	Pattern         *Pattern  `json:"pattern,omitempty"`
	Metrics         Metrics   `json:"metrics"`
	Error           string    `json:"error,omitempty"`
	FallbackUsed    bool      `json:"fallbackUsed,omitempty"`
	Degraded        bool      `json:"degraded"`
	BudgetExhausted bool      `json:"budgetExhausted,omitempty"`
}

// Metrics summarises resource consumption for a finished run.
type Metrics struct {
	TokensUsed int     `json:"tokensUsed"`
	ToolCalls  int     `json:"toolCalls"`
	DurationMs int64   `json:"durationMs"`
	Turns      int     `json:"turns"`
	CostUSD    float64 `json:"costUsd"`
}

// Pattern is the frozen, caller-facing form of a hypothesis.
type Pattern struct {
	Statement  string     `json:"statement"`
	Confidence float64    `json:"confidence"`
	Evidence   []Evidence `json:"evidence"`
	Tags       []string   `json:"tags,omitempty"`
}

// Hypothesis is the candidate pattern explanation under construction.
type Hypothesis struct {
	Statement  string     `json:"statement"`
	Confidence float64    `json:"confidence"`
	Evidence   []Evidence `json:"evidence"`
	Tags       []string   `json:"tags,omitempty"`
}

// Freeze returns an independent Pattern copy of the hypothesis.
func (h Hypothesis) Freeze() *Pattern {
	ev := make([]Evidence, len(h.Evidence))
	copy(ev, h.Evidence)
	var tags []string
	if len(h.Tags) > 0 {
		tags = append([]string(nil), h.Tags...)
	}
	return &Pattern{
		Statement:  h.Statement,
		Confidence: h.Confidence,
		Evidence:   ev,
		Tags:       tags,
	}
}

// Evidence is one supporting video reference for a hypothesis.
type Evidence struct {
	VideoID          string  `json:"videoId"`
	Title            string  `json:"title,omitempty"`
	Score            float64 `json:"score,omitempty"`
	PerformanceRatio float64 `json:"performanceRatio,omitempty"`
	Source           string  `json:"source,omitempty"`
	Matches          *bool   `json:"matches,omitempty"`
	Rationale        string  `json:"rationale,omitempty"`
}
