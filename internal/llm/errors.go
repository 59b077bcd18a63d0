package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrToolsUnsupported is returned by a backend when the target model rejects
// native tool definitions. The router retries the call in JSON mode.
var ErrToolsUnsupported = errors.New("llm: model does not support tool calling")

// ProviderError is a failed provider call with its HTTP status, if any.
// Status drives retry classification through HTTPStatus.
type ProviderError struct {
	Provider  string
	Model     string
	Status    int
	Message   string
	RequestID string
	Cause     error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "llm: %s", e.Provider)
	if e.Model != "" {
		fmt.Fprintf(&b, " (%s)", e.Model)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	switch {
	case e.Message != "":
		b.WriteString(": " + e.Message)
	case e.Cause != nil:
		b.WriteString(": " + e.Cause.Error())
	}
	if e.RequestID != "" {
		fmt.Fprintf(&b, " [request_id=%s]", e.RequestID)
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// HTTPStatus returns the provider's HTTP status code, or 0 when the call
// never got a response.
func (e *ProviderError) HTTPStatus() int { return e.Status }

// isToolsUnsupported reports whether err means the model cannot take tool
// definitions, either explicitly or via a provider 400/404 that says so.
func isToolsUnsupported(err error) bool {
	if errors.Is(err, ErrToolsUnsupported) {
		return true
	}
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	if pe.Status != 400 && pe.Status != 404 {
		return false
	}
	msg := strings.ToLower(pe.Message)
	return (strings.Contains(msg, "tool") || strings.Contains(msg, "function")) &&
		(strings.Contains(msg, "not support") || strings.Contains(msg, "unsupported"))
}
