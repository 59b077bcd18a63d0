// Package recovery classifies failures from external calls and retries the
// transient ones with exponential backoff and jitter.
package recovery

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the failure class of an error.
type Kind string

const (
	KindRateLimit    Kind = "rate_limit"
	KindNetwork      Kind = "network"
	KindTimeout      Kind = "timeout"
	KindInvalidInput Kind = "invalid_input"
	KindFatal        Kind = "fatal"
)

// Retryable reports whether an error of this kind may succeed on retry.
// invalid_input and fatal are never retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindNetwork, KindTimeout:
		return true
	default:
		return false
	}
}

// Error is an error with an explicit failure class. Producers that know the
// class (schema validation, "not found", auth) return one so Classify does
// not have to guess.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// InvalidInput returns a non-retryable invalid_input error.
func InvalidInput(format string, args ...any) error {
	return &Error{Kind: KindInvalidInput, Msg: fmt.Sprintf(format, args...)}
}

// Fatal marks err as unrecoverable.
func Fatal(msg string, err error) error {
	return &Error{Kind: KindFatal, Msg: msg, Err: err}
}

// WithKind attaches an explicit class to err. Returns nil for a nil err.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// ExhaustedError is returned when every allowed attempt failed with a
// retryable error.
type ExhaustedError struct {
	Op       string
	Attempts int
	Elapsed  time.Duration
	Kind     Kind
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("recovery: %s failed after %d attempts in %s (%s): %v",
		e.Op, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Kind, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsExhausted reports whether err came from a retry loop that ran out of attempts.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}
