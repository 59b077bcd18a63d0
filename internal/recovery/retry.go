package recovery

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Policy configures ExecuteWithRetry.
type Policy struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int
	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration
	// Multiplier grows the delay between consecutive attempts.
	Multiplier float64
	// MaxDelay caps the pre-jitter delay.
	MaxDelay time.Duration
	// Jitter is the fraction by which a delay is randomly widened or
	// narrowed: delay * (1 ± Jitter).
	Jitter float64
	// AttemptTimeout, if positive, bounds each individual attempt.
	AttemptTimeout time.Duration
}

// DefaultPolicy returns the standard policy for model and tool calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     10 * time.Second,
		Jitter:       0.2,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter >= 1 {
		p.Jitter = 0.99
	}
	return p
}

// Backoff returns the pre-jitter delay after the given failed attempt
// (1-based): min(MaxDelay, InitialDelay * Multiplier^(attempt-1)).
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// jittered applies (1 ± Jitter) to the backoff using r in [0, 1).
func (p Policy) jittered(attempt int, r float64) time.Duration {
	base := p.Backoff(attempt)
	factor := 1 + p.Jitter*(2*r-1)
	return time.Duration(float64(base) * factor)
}

// RetryEvent describes one scheduled retry.
type RetryEvent struct {
	Op      string
	Attempt int // the attempt that failed
	Delay   time.Duration
	Kind    Kind
	Err     error
}

// Outcome reports how a retried operation went.
type Outcome struct {
	Attempts int
	Elapsed  time.Duration
	Retries  []RetryEvent
}

// Option customises a single ExecuteWithRetry call.
type Option func(*options)

type options struct {
	onRetry func(RetryEvent)
	sleep   func(ctx context.Context, d time.Duration) error
	random  func() float64
	now     func() time.Time
}

// OnRetry registers a hook called before each backoff sleep.
func OnRetry(fn func(RetryEvent)) Option {
	return func(o *options) { o.onRetry = fn }
}

// WithSleep replaces the context-aware sleep. Used by tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = fn }
}

// WithRandom replaces the jitter source. fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(o *options) { o.random = fn }
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var retryMeter = otel.GetMeterProvider().Meter("ideaheist/recovery")

// ExecuteWithRetry runs fn until it succeeds, fails with a non-retryable
// error, or MaxAttempts is reached. Non-retryable errors are returned as-is
// after the first failure. When attempts run out the last error is returned
// inside an *ExhaustedError carrying the attempt count and elapsed time.
// Cancellation of ctx stops retrying immediately.
func ExecuteWithRetry[T any](ctx context.Context, op string, policy Policy, fn func(ctx context.Context) (T, error), opts ...Option) (T, Outcome, error) {
	o := options{
		sleep:  sleepCtx,
		random: rand.Float64, //nolint:gosec // jitter doesn't need crypto-strength randomness
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	p := policy.normalized()

	var (
		zero    T
		out     Outcome
		lastErr error
	)
	start := o.now()

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		out.Attempts = attempt

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}
		v, err := fn(attemptCtx)
		cancel()
		if err == nil {
			out.Elapsed = o.now().Sub(start)
			return v, out, nil
		}
		lastErr = err

		// The caller's context ending is never retried, whatever the error says.
		if ctx.Err() != nil {
			out.Elapsed = o.now().Sub(start)
			return zero, out, fmt.Errorf("recovery: %s: %w", op, ctx.Err())
		}

		kind := Classify(err)
		if !kind.Retryable() {
			out.Elapsed = o.now().Sub(start)
			return zero, out, err
		}
		if attempt == p.MaxAttempts {
			break
		}

		ev := RetryEvent{Op: op, Attempt: attempt, Delay: p.jittered(attempt, o.random()), Kind: kind, Err: err}
		out.Retries = append(out.Retries, ev)
		if o.onRetry != nil {
			o.onRetry(ev)
		}
		if counter, cerr := retryMeter.Int64Counter("ideaheist.retries"); cerr == nil {
			counter.Add(ctx, 1, otelmetric.WithAttributes(
				attribute.String("op", op),
				attribute.String("kind", string(kind)),
			))
		}

		if err := o.sleep(ctx, ev.Delay); err != nil {
			out.Elapsed = o.now().Sub(start)
			return zero, out, fmt.Errorf("recovery: %s: %w", op, err)
		}
	}

	out.Elapsed = o.now().Sub(start)
	return zero, out, &ExhaustedError{
		Op:       op,
		Attempts: out.Attempts,
		Elapsed:  out.Elapsed,
		Kind:     Classify(lastErr),
		Err:      lastErr,
	}
}
