package llm

import (
	"context"
	"encoding/json"
	"errors"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIBackend calls an OpenAI-compatible chat completions API.
type OpenAIBackend struct {
	client    *openai.Client
	maxTokens int
}

// NewOpenAIBackend creates a backend. baseURL may point at any
// OpenAI-compatible server; empty means api.openai.com.
func NewOpenAIBackend(apiKey, baseURL string, maxTokens int) *OpenAIBackend {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &OpenAIBackend{client: openai.NewClientWithConfig(cfg), maxTokens: maxTokens}
}

// Name implements Backend.
func (b *OpenAIBackend) Name() string { return "openai" }

// Complete implements Backend.
func (b *OpenAIBackend) Complete(ctx context.Context, model string, req Request) (Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = b.maxTokens
	}
	chatReq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  openaiMessages(req.System, req.Messages),
		MaxTokens: maxTokens,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = openaiTools(req.Tools)
	}

	out, err := b.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return Response{}, wrapOpenAIError(err, model)
	}
	if len(out.Choices) == 0 {
		return Response{}, &ProviderError{Provider: "openai", Model: model, Message: "response has no choices"}
	}

	choice := out.Choices[0]
	resp := Response{
		Text:       choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Model:      out.Model,
		Usage: Usage{
			InputTokens:  out.Usage.PromptTokens,
			OutputTokens: out.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return resp, nil
}

func openaiMessages(system string, msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range msgs {
		// Tool results are separate "tool" messages linked by call id.
		for _, r := range m.ToolResults {
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    r.Content,
				ToolCallID: r.ToolCallID,
			})
		}
		if m.Role == RoleAssistant {
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, msg)
			continue
		}
		if m.Content != "" {
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		}
	}
	return out
}

func openaiTools(specs []ToolSpec) []openai.Tool {
	out := make([]openai.Tool, len(specs))
	for i, s := range specs {
		var params map[string]any
		if err := json.Unmarshal(s.InputSchema, &params); err != nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  params,
			},
		}
	}
	return out
}

func wrapOpenAIError(err error, model string) error {
	pe := &ProviderError{Provider: "openai", Model: model, Cause: err}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		pe.Status = apiErr.HTTPStatusCode
		pe.Message = apiErr.Message
	case errors.As(err, &reqErr):
		pe.Status = reqErr.HTTPStatusCode
		if reqErr.Err != nil {
			pe.Message = reqErr.Err.Error()
		}
	}
	if isToolsUnsupported(pe) {
		pe.Cause = errors.Join(ErrToolsUnsupported, err)
	}
	return pe
}
