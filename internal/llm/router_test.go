package llm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/ideaheist/internal/budget"
	"github.com/ashita-ai/ideaheist/internal/recovery"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var searchSpec = ToolSpec{
	Name:        "search_titles",
	Description: "semantic title search",
	InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
}

func TestNewRouterValidation(t *testing.T) {
	b := NewScriptedBackend("scripted")

	_, err := NewRouter(map[Tier]Target{TierDeep: {Provider: "anthropic", Model: "m"}}, []Backend{b}, discardLogger())
	assert.ErrorContains(t, err, `no backend for provider "anthropic"`)

	_, err = NewRouter(map[Tier]Target{TierCheap: {Provider: "scripted", Model: "m"}}, []Backend{b}, discardLogger())
	assert.ErrorContains(t, err, "no target for tier deep_reasoning")

	_, err = NewRouter(map[Tier]Target{TierDeep: {Provider: "scripted"}}, []Backend{b}, discardLogger())
	assert.ErrorContains(t, err, "model is required")
}

func TestRouterRoutesByTier(t *testing.T) {
	deep := NewScriptedBackend("deep", Step{Response: Response{Text: "deep answer"}})
	cheap := NewScriptedBackend("cheap", Step{Response: Response{Text: "cheap answer"}})
	r, err := NewRouter(map[Tier]Target{
		TierDeep:  {Provider: "deep", Model: "big"},
		TierCheap: {Provider: "cheap", Model: "small"},
	}, []Backend{deep, cheap}, discardLogger())
	require.NoError(t, err)

	resp, err := r.Complete(context.Background(), Request{Tier: TierCheap})
	require.NoError(t, err)
	assert.Equal(t, "cheap answer", resp.Text)
	assert.Equal(t, "cheap", resp.Provider)
	assert.Equal(t, "small", resp.Model)

	resp, err = r.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "deep answer", resp.Text)
	assert.Len(t, deep.Requests(), 1)
	assert.Equal(t, TierDeep, deep.Requests()[0].Tier)
}

func TestRouterJSONModeTarget(t *testing.T) {
	b := NewScriptedBackend("scripted", Step{Response: Response{
		Text: `Sure. {"text":"look up titles","tool_calls":[{"name":"search_titles","arguments":{"query":"cats"}}]}`,
	}})
	targets := JSONModeModels(map[Tier]Target{TierDeep: {Provider: "scripted", Model: "no-tools"}}, []string{"no-tools"})
	r, err := NewRouter(targets, []Backend{b}, discardLogger())
	require.NoError(t, err)

	resp, err := r.Complete(context.Background(), Request{Tools: []ToolSpec{searchSpec}, Messages: []Message{{Role: RoleUser, Content: "go"}}})
	require.NoError(t, err)
	assert.True(t, resp.JSONMode)
	assert.Equal(t, "look up titles", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "search_titles", resp.ToolCalls[0].Name)

	sent := b.Requests()[0]
	assert.Empty(t, sent.Tools, "json mode must not send native tool definitions")
	assert.Contains(t, sent.System, "search_titles")
}

func TestRouterFallsBackToJSONModeWhenToolsRejected(t *testing.T) {
	b := NewScriptedBackend("scripted",
		Step{Err: ErrToolsUnsupported},
		Step{Response: Response{Text: `{"text":"done","tool_calls":[]}`}},
	)
	r, err := NewRouter(map[Tier]Target{TierDeep: {Provider: "scripted", Model: "m"}}, []Backend{b}, discardLogger())
	require.NoError(t, err)

	resp, err := r.Complete(context.Background(), Request{Tools: []ToolSpec{searchSpec}})
	require.NoError(t, err)
	assert.True(t, resp.JSONMode)
	assert.Equal(t, "done", resp.Text)
	assert.Empty(t, resp.ToolCalls)

	reqs := b.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[0].Tools, 1)
	assert.Empty(t, reqs[1].Tools)
}

func TestRouterJSONModeParseFailureIsInvalidInput(t *testing.T) {
	b := NewScriptedBackend("scripted", Step{Response: Response{Text: "I refuse to answer in JSON"}})
	r, err := NewRouter(map[Tier]Target{TierDeep: {Provider: "scripted", Model: "m", JSONMode: true}}, []Backend{b}, discardLogger())
	require.NoError(t, err)

	_, err = r.Complete(context.Background(), Request{Tools: []ToolSpec{searchSpec}})
	require.Error(t, err)
	assert.Equal(t, recovery.KindInvalidInput, recovery.Classify(err))
}

func TestRouterCost(t *testing.T) {
	b := NewScriptedBackend("scripted")
	r, err := NewRouter(map[Tier]Target{
		TierDeep: {Provider: "scripted", Model: "m", Pricing: budget.Pricing{InputPerMillion: 3, OutputPerMillion: 15}},
	}, []Backend{b}, discardLogger())
	require.NoError(t, err)
	assert.InDelta(t, 0.003+0.015, r.Cost(TierDeep, Usage{InputTokens: 1000, OutputTokens: 1000}), 1e-9)
	// Tiers without a target fall through to deep.
	assert.InDelta(t, 0.018, r.Cost(TierCheap, Usage{InputTokens: 1000, OutputTokens: 1000}), 1e-9)
}

func TestOpenAIBackend(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-test", body["model"])
		assert.Len(t, body["tools"], 1)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-test",
			"choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":"",
				"tool_calls":[{"id":"call_1","type":"function","function":{"name":"search_titles","arguments":"{\"query\":\"cats\"}"}}]}}],
			"usage":{"prompt_tokens":12,"completion_tokens":7,"total_tokens":19}}`)
	}))
	defer srv.Close()

	b := NewOpenAIBackend("test-key", srv.URL+"/v1", 256)
	resp, err := b.Complete(context.Background(), "gpt-test", Request{
		System:   "sys",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Tools:    []ToolSpec{searchSpec},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "tool_calls", resp.StopReason)
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 7}, resp.Usage)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.JSONEq(t, `{"query":"cats"}`, string(resp.ToolCalls[0].Arguments))
}

func TestOpenAIBackendErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantKind    recovery.Kind
		unsupported bool
	}{
		{"rate limited", 429, `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`, recovery.KindRateLimit, false},
		{"server error", 503, `{"error":{"message":"upstream unavailable","type":"server_error"}}`, recovery.KindNetwork, false},
		{"unauthorized", 401, `{"error":{"message":"bad key","type":"invalid_request_error"}}`, recovery.KindFatal, false},
		{"tools unsupported", 400, `{"error":{"message":"This model does not support tools","type":"invalid_request_error"}}`, recovery.KindInvalidInput, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			b := NewOpenAIBackend("k", srv.URL+"/v1", 0)
			_, err := b.Complete(context.Background(), "gpt-test", Request{Tools: []ToolSpec{searchSpec}})
			require.Error(t, err)

			var pe *ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.status, pe.Status)
			assert.Equal(t, tt.wantKind, recovery.Classify(err))
			assert.Equal(t, tt.unsupported, isToolsUnsupported(err))
		})
	}
}

func TestAnthropicBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "claude-test", body["model"])
		assert.NotEmpty(t, body["system"])
		assert.Len(t, body["tools"], 1)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[
				{"type":"text","text":"Let me search."},
				{"type":"tool_use","id":"toolu_1","name":"search_titles","input":{"query":"cats"}}
			],
			"stop_reason":"tool_use","stop_sequence":null,
			"usage":{"input_tokens":20,"output_tokens":9}}`)
	}))
	defer srv.Close()

	b := NewAnthropicBackend("test-key", srv.URL+"/", 256)
	resp, err := b.Complete(context.Background(), "claude-test", Request{
		System: "sys",
		Messages: []Message{
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "toolu_0", Name: "search_titles", Arguments: json.RawMessage(`{"query":"dogs"}`)}}},
			{Role: RoleUser, ToolResults: []ToolResult{{ToolCallID: "toolu_0", Name: "search_titles", Content: "[]"}}},
		},
		Tools: []ToolSpec{searchSpec},
	})
	require.NoError(t, err)
	assert.Equal(t, "Let me search.", resp.Text)
	assert.Equal(t, "tool_use", resp.StopReason)
	assert.Equal(t, Usage{InputTokens: 20, OutputTokens: 9}, resp.Usage)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "toolu_1", resp.ToolCalls[0].ID)
	assert.JSONEq(t, `{"query":"cats"}`, string(resp.ToolCalls[0].Arguments))
}

func TestAnthropicBackendOverloaded(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(529)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	}))
	defer srv.Close()

	b := NewAnthropicBackend("k", srv.URL+"/", 0)
	_, err := b.Complete(context.Background(), "claude-test", Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.Error(t, err)

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 529, pe.Status)
	assert.Equal(t, "Overloaded", pe.Message)
	assert.Equal(t, recovery.KindRateLimit, recovery.Classify(err))
	assert.Equal(t, int32(1), calls.Load(), "SDK retries must be disabled")
}

func TestScriptedBackendExhausted(t *testing.T) {
	b := NewScriptedBackend("scripted")
	_, err := b.Complete(context.Background(), "m", Request{})
	require.Error(t, err)
	assert.Equal(t, recovery.KindFatal, recovery.Classify(err))

	b.SetFallback(DevResponder)
	resp, err := b.Complete(context.Background(), "m", Request{Tier: TierCheap})
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "MATCH: yes")
}

func TestDevResponderSearchesThenAnswers(t *testing.T) {
	req := Request{Tier: TierDeep, Tools: []ToolSpec{searchSpec}, Messages: []Message{{Role: RoleUser, Content: "Target: 10 cats\nmore"}}}
	resp, err := DevResponder(req)
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.JSONEq(t, `{"query":"Target: 10 cats","limit":5}`, string(resp.ToolCalls[0].Arguments))

	req.Messages = append(req.Messages, Message{Role: RoleAssistant, ToolCalls: resp.ToolCalls})
	resp, err = DevResponder(req)
	require.NoError(t, err)
	assert.Empty(t, resp.ToolCalls)
	_, ok := ExtractJSON(resp.Text)
	assert.True(t, ok)
}
