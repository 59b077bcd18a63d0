package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/ideaheist/internal/recovery"
)

const jsonContract = `You cannot call tools natively in this session. To call tools, reply with ONLY one JSON object of this form and nothing else:
{"text": "<brief reasoning>", "tool_calls": [{"name": "<tool name>", "arguments": {<arguments matching the tool's input schema>}}]}
When you need no more tools, reply with the same object and an empty "tool_calls" array, putting your final answer in "text".

Available tools:`

// toJSONMode rewrites req for a backend that cannot take native tool
// definitions: the tool catalog and reply contract move into the system
// prompt, and prior tool calls and results are flattened into message text.
func toJSONMode(req Request) Request {
	var sys strings.Builder
	sys.WriteString(req.System)
	if sys.Len() > 0 {
		sys.WriteString("\n\n")
	}
	sys.WriteString(jsonContract)
	for _, t := range req.Tools {
		fmt.Fprintf(&sys, "\n- %s: %s\n  input schema: %s", t.Name, t.Description, compactJSON(t.InputSchema))
	}

	msgs := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		content := m.Content
		if len(m.ToolCalls) > 0 {
			calls := make([]jsonToolCall, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				calls[i] = jsonToolCall{Name: tc.Name, Arguments: tc.Arguments}
			}
			b, _ := json.Marshal(jsonReply{Text: m.Content, ToolCalls: calls})
			content = string(b)
		}
		if len(m.ToolResults) > 0 {
			var b strings.Builder
			b.WriteString(m.Content)
			for _, r := range m.ToolResults {
				if b.Len() > 0 {
					b.WriteString("\n\n")
				}
				status := "result"
				if r.IsError {
					status = "error"
				}
				fmt.Fprintf(&b, "Tool %s of %s:\n%s", status, r.Name, r.Content)
			}
			content = b.String()
		}
		msgs = append(msgs, Message{Role: m.Role, Content: content})
	}

	return Request{
		System:    sys.String(),
		Messages:  msgs,
		Tier:      req.Tier,
		MaxTokens: req.MaxTokens,
	}
}

type jsonToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type jsonReply struct {
	Text      string         `json:"text"`
	ToolCalls []jsonToolCall `json:"tool_calls"`
}

// parseJSONReply extracts text and tool calls from a JSON-mode reply. Code
// fences and prose around the object are tolerated. A reply with no usable
// object is an invalid_input error so the caller does not retry it blindly.
func parseJSONReply(text string) (string, []ToolCall, error) {
	for _, raw := range JSONObjects(text) {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			continue
		}
		if _, ok := fields["hypothesis"]; ok {
			if _, calls := fields["tool_calls"]; !calls {
				return string(raw), nil, nil
			}
		}
		_, hasText := fields["text"]
		_, hasCalls := fields["tool_calls"]
		if !hasText && !hasCalls {
			continue
		}

		var reply jsonReply
		if err := json.Unmarshal(raw, &reply); err != nil {
			return "", nil, recovery.InvalidInput("llm: json mode: malformed reply: %v", err)
		}
		calls := make([]ToolCall, 0, len(reply.ToolCalls))
		for i, c := range reply.ToolCalls {
			if c.Name == "" {
				return "", nil, recovery.InvalidInput("llm: json mode: tool call %d has no name", i)
			}
			args := c.Arguments
			if len(args) == 0 || string(args) == "null" {
				args = json.RawMessage(`{}`)
			}
			calls = append(calls, ToolCall{ID: "call_" + uuid.NewString(), Name: c.Name, Arguments: args})
		}
		return reply.Text, calls, nil
	}
	return "", nil, recovery.InvalidInput("llm: json mode: reply contains no JSON object with text or tool_calls")
}

// ExtractJSON returns the first JSON object embedded in text.
func ExtractJSON(text string) (json.RawMessage, bool) {
	objs := JSONObjects(text)
	if len(objs) == 0 {
		return nil, false
	}
	return objs[0], true
}

// JSONObjects returns every top-level JSON object embedded in text, in
// order of appearance. Markdown fences and surrounding prose are skipped.
func JSONObjects(text string) []json.RawMessage {
	var out []json.RawMessage
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		end := matchBrace(text, i)
		if end < 0 {
			continue
		}
		cand := text[i : end+1]
		if json.Valid([]byte(cand)) {
			out = append(out, json.RawMessage(cand))
			i = end
		}
	}
	return out
}

// matchBrace returns the index of the brace closing the one at start,
// ignoring braces inside string literals, or -1.
func matchBrace(s string, start int) int {
	depth := 0
	inStr, esc := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var b strings.Builder
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return string(raw)
	}
	return strings.TrimSpace(b.String())
}
