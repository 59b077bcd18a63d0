package recovery

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// StatusCoder is implemented by errors that carry an upstream HTTP status,
// such as LLM provider errors.
type StatusCoder interface {
	HTTPStatus() int
}

// Classify maps an error to its failure class by inspecting typed errors,
// status codes, and, as a last resort, the message text. Unknown errors are
// fatal so that nothing is retried by accident.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return ex.Kind
	}

	// A cancelled context means the caller gave up; retrying cannot help.
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		if k, ok := classifyStatus(sc.HTTPStatus()); ok {
			return k
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPgCode(pgErr.Code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return KindNetwork
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindNetwork
	}

	return classifyMessage(strings.ToLower(err.Error()))
}

func classifyStatus(status int) (Kind, bool) {
	switch {
	case status == 0:
		return "", false
	case status == http.StatusTooManyRequests:
		return KindRateLimit, true
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout, true
	case status >= 500:
		// 529 (overloaded) behaves like backpressure.
		if status == 529 {
			return KindRateLimit, true
		}
		return KindNetwork, true
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity ||
		status == http.StatusRequestEntityTooLarge:
		return KindInvalidInput, true
	case status >= 400:
		// 401, 403, 404, 402 and anything else client-side that a retry won't fix.
		return KindFatal, true
	default:
		return "", false
	}
}

func classifyPgCode(code string) Kind {
	switch {
	case code == "40001", code == "40P01": // serialization_failure, deadlock_detected
		return KindNetwork
	case code == "57014": // query_canceled (statement timeout)
		return KindTimeout
	case strings.HasPrefix(code, "08"), code == "53300", code == "57P03": // connection exceptions, too many connections, cannot connect now
		return KindNetwork
	case strings.HasPrefix(code, "22"), strings.HasPrefix(code, "23"): // data exception, integrity violation
		return KindInvalidInput
	default:
		return KindFatal
	}
}

var messageRules = []struct {
	kind    Kind
	needles []string
}{
	{KindRateLimit, []string{"rate limit", "rate_limit", "too many requests", "status 429", "overloaded", "quota exceeded"}},
	{KindTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{KindNetwork, []string{"connection reset", "connection refused", "broken pipe", "unexpected eof", "no such host",
		"temporarily unavailable", "service unavailable", "bad gateway", "status 502", "status 503", "network"}},
	{KindInvalidInput, []string{"invalid", "malformed", "missing required", "validation"}},
}

func classifyMessage(msg string) Kind {
	for _, rule := range messageRules {
		for _, n := range rule.needles {
			if strings.Contains(msg, n) {
				return rule.kind
			}
		}
	}
	return KindFatal
}
