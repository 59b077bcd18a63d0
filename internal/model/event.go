package model

import "time"

// EventType is the kind of a streamed run progress event.
type EventType string

const (
	EventStatus        EventType = "status"
	EventVideoFound    EventType = "video_found"
	EventTaskBoard     EventType = "task_board"
	EventReasoning     EventType = "reasoning"
	EventToolCall      EventType = "tool_call"
	EventModelCall     EventType = "model_call"
	EventMetricsFooter EventType = "metrics_footer"
	EventComplete      EventType = "complete"
)

// Event is one progress event for a run. Seq is assigned by the emitter
// and is strictly increasing within a run.
type Event struct {
	Seq  int64     `json:"seq"`
	Type EventType `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// Task is one entry on the task board.
type Task struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"` // pending, active, done, skipped
}
