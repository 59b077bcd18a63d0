// Package llm routes model calls to a provider backend by capability tier.
//
// Callers build a provider-neutral Request and get back a provider-neutral
// Response. The Router picks the backend and model for the request's tier
// and, for models that cannot do native tool calling, drives the exchange
// through a strict JSON reply contract instead.
package llm

import (
	"context"
	"encoding/json"
)

// Tier is a capability class. Call sites pick a tier, never a model.
type Tier string

const (
	TierCheap Tier = "cheap_classification"
	TierDeep  Tier = "deep_reasoning"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a conversation. Assistant messages may carry the
// tool calls the model asked for; user messages may carry tool results.
type Message struct {
	Role        Role
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ToolCall is a model's request to run a named tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of a tool call fed back to the model.
type ToolResult struct {
	ToolCallID string
	Name       string
	Content    string
	IsError    bool
}

// ToolSpec describes a tool the model may call.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is a provider-neutral completion request.
type Request struct {
	System    string
	Messages  []Message
	Tools     []ToolSpec
	Tier      Tier
	MaxTokens int
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Response is a provider-neutral completion result.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	Usage      Usage
	StopReason string
	Model      string
	Provider   string
	JSONMode   bool
}

// Backend performs one completion against a provider.
type Backend interface {
	Name() string
	Complete(ctx context.Context, model string, req Request) (Response, error)
}
