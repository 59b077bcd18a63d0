package model

import (
	"time"

	"github.com/google/uuid"
)

// LogLevel is the severity of a run log entry.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogCategory groups run log entries.
type LogCategory string

const (
	CategoryReasoning LogCategory = "reasoning"
	CategoryToolCall  LogCategory = "tool_call"
	CategoryModelCall LogCategory = "model_call"
	CategoryStatus    LogCategory = "status"
	CategoryError     LogCategory = "error"
)

// LogEntry is one line of a run log.
type LogEntry struct {
	Type     string         `json:"type"` // "entry"
	Seq      int64          `json:"seq"`
	Time     time.Time      `json:"time"`
	RunID    uuid.UUID      `json:"runId"`
	Level    LogLevel       `json:"level"`
	Category LogCategory    `json:"category"`
	Message  string         `json:"message"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// LogSummary is the terminal record of a run log. Exactly one per run.
type LogSummary struct {
	Type        string         `json:"type"` // "summary"
	Seq         int64          `json:"seq"`
	Time        time.Time      `json:"time"`
	RunID       uuid.UUID      `json:"runId"`
	Success     bool           `json:"success"`
	TotalTokens int            `json:"totalTokens"`
	TotalCost   float64        `json:"totalCostUsd"`
	ToolCalls   int            `json:"toolCalls"`
	DurationMs  int64          `json:"durationMs"`
	Entries     int64          `json:"entries"`
	Summary     map[string]any `json:"summary,omitempty"`
}

const (
	RecordEntry   = "entry"
	RecordSummary = "summary"
)
