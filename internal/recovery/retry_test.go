package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordSleep captures requested delays without sleeping.
func recordSleep(delays *[]time.Duration) Option {
	return WithSleep(func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	})
}

func TestBackoff(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 350 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 350*time.Millisecond, p.Backoff(3), "capped at MaxDelay")
	assert.Equal(t, 350*time.Millisecond, p.Backoff(10))
}

func TestJitterBounds(t *testing.T) {
	p := Policy{InitialDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute, Jitter: 0.2}
	assert.Equal(t, 800*time.Millisecond, p.jittered(1, 0))
	assert.Equal(t, time.Second, p.jittered(1, 0.5))
	assert.InDelta(t, float64(1200*time.Millisecond), float64(p.jittered(1, 0.999999)), float64(time.Millisecond))
}

func TestExecuteWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	var delays []time.Duration
	var events []RetryEvent
	calls := 0

	v, out, err := ExecuteWithRetry(context.Background(), "search_titles", DefaultPolicy(),
		func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", WithKind(KindNetwork, errors.New("connection reset"))
			}
			return "ok", nil
		},
		recordSleep(&delays),
		WithRandom(func() float64 { return 0.5 }),
		OnRetry(func(ev RetryEvent) { events = append(events, ev) }),
	)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, out.Attempts)
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Attempt)
	assert.Equal(t, KindNetwork, events[0].Kind)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, delays)
}

func TestExecuteWithRetryNeverRetriesInvalidInput(t *testing.T) {
	calls := 0
	var delays []time.Duration
	_, out, err := ExecuteWithRetry(context.Background(), "get_video_bundle", DefaultPolicy(),
		func(context.Context) (int, error) {
			calls++
			return 0, InvalidInput("video_id is required")
		},
		recordSleep(&delays),
	)
	require.Error(t, err)
	assert.Equal(t, KindInvalidInput, Classify(err))
	assert.False(t, IsExhausted(err))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, out.Attempts)
	assert.Empty(t, delays)
}

func TestExecuteWithRetryExhausts(t *testing.T) {
	calls := 0
	var delays []time.Duration
	policy := Policy{MaxAttempts: 3, InitialDelay: 10 * time.Millisecond, Multiplier: 3, MaxDelay: time.Second}
	_, out, err := ExecuteWithRetry(context.Background(), "model", policy,
		func(context.Context) (int, error) {
			calls++
			return 0, WithKind(KindRateLimit, errors.New("slow down"))
		},
		recordSleep(&delays),
	)
	require.Error(t, err)
	assert.Equal(t, 3, calls, "at most MaxAttempts attempts")
	assert.Equal(t, 3, out.Attempts)
	assert.Len(t, delays, 2, "no sleep after the final attempt")

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Attempts)
	assert.Equal(t, KindRateLimit, ex.Kind)
	assert.Equal(t, KindRateLimit, Classify(err))
	assert.Contains(t, err.Error(), "model failed after 3 attempts")
}

func TestExecuteWithRetryElapsedCoversBackoff(t *testing.T) {
	policy := Policy{MaxAttempts: 3, InitialDelay: 5 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second, Jitter: 0.1}
	_, out, err := ExecuteWithRetry(context.Background(), "op", policy,
		func(context.Context) (int, error) {
			return 0, WithKind(KindTimeout, errors.New("slow"))
		},
	)
	require.Error(t, err)

	var minTotal time.Duration
	for attempt := 1; attempt < policy.MaxAttempts; attempt++ {
		minTotal += time.Duration(float64(policy.Backoff(attempt)) * (1 - policy.Jitter))
	}
	assert.GreaterOrEqual(t, out.Elapsed, minTotal)
}

func TestExecuteWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, _, err := ExecuteWithRetry(ctx, "op", DefaultPolicy(),
		func(context.Context) (int, error) {
			calls++
			cancel()
			return 0, WithKind(KindNetwork, errors.New("reset"))
		},
	)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestExecuteWithRetryAttemptTimeout(t *testing.T) {
	policy := Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 1, AttemptTimeout: 5 * time.Millisecond}
	var kinds []Kind
	_, _, err := ExecuteWithRetry(context.Background(), "op", policy,
		func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		},
		OnRetry(func(ev RetryEvent) { kinds = append(kinds, ev.Kind) }),
	)
	require.Error(t, err)
	assert.Equal(t, []Kind{KindTimeout}, kinds)
	assert.True(t, IsExhausted(err))
}
