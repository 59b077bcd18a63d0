package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

type statusErr int

func (s statusErr) Error() string   { return fmt.Sprintf("upstream status %d", int(s)) }
func (s statusErr) HTTPStatus() int { return int(s) }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o wait" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"explicit invalid input", InvalidInput("video_id is required"), KindInvalidInput},
		{"explicit wrapped", fmt.Errorf("tool: %w", WithKind(KindNetwork, errors.New("boom"))), KindNetwork},
		{"fatal helper", Fatal("video not found", nil), KindFatal},
		{"exhausted keeps kind", &ExhaustedError{Kind: KindRateLimit, Err: errors.New("x")}, KindRateLimit},
		{"canceled", context.Canceled, KindFatal},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindTimeout},
		{"429", statusErr(429), KindRateLimit},
		{"529 overloaded", statusErr(529), KindRateLimit},
		{"500", statusErr(500), KindNetwork},
		{"504", statusErr(504), KindTimeout},
		{"400", statusErr(400), KindInvalidInput},
		{"401", statusErr(401), KindFatal},
		{"403", statusErr(403), KindFatal},
		{"pg serialization", &pgconn.PgError{Code: "40001"}, KindNetwork},
		{"pg connection", &pgconn.PgError{Code: "08006"}, KindNetwork},
		{"pg integrity", &pgconn.PgError{Code: "23505"}, KindInvalidInput},
		{"pg syntax", &pgconn.PgError{Code: "42601"}, KindFatal},
		{"net timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, KindTimeout},
		{"net op", &net.OpError{Op: "dial", Err: errors.New("refused")}, KindNetwork},
		{"econnreset", fmt.Errorf("read: %w", syscall.ECONNRESET), KindNetwork},
		{"unexpected eof", io.ErrUnexpectedEOF, KindNetwork},
		{"message rate limit", errors.New("Rate limit reached for requests"), KindRateLimit},
		{"message timeout", errors.New("request timed out"), KindTimeout},
		{"message network", errors.New("dial tcp: connection refused"), KindNetwork},
		{"message invalid", errors.New("malformed JSON in reply"), KindInvalidInput},
		{"unknown", errors.New("something odd"), KindFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestKindRetryable(t *testing.T) {
	assert.True(t, KindRateLimit.Retryable())
	assert.True(t, KindNetwork.Retryable())
	assert.True(t, KindTimeout.Retryable())
	assert.False(t, KindInvalidInput.Retryable())
	assert.False(t, KindFatal.Retryable())
}
