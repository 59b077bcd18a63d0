package storage

import (
	"context"
	"time"

	"github.com/ashita-ai/ideaheist/internal/recovery"
)

// writePolicy retries transient write failures: serialization conflicts,
// deadlocks and dropped connections, as classified by recovery.Classify.
var writePolicy = recovery.Policy{
	MaxAttempts:  4,
	InitialDelay: 10 * time.Millisecond,
	Multiplier:   2,
	MaxDelay:     200 * time.Millisecond,
	Jitter:       0.5,
}

// retryWrite runs fn under writePolicy. Errors that are not transient are
// returned after the first attempt.
func retryWrite(ctx context.Context, op string, fn func(ctx context.Context) error, opts ...recovery.Option) error {
	_, _, err := recovery.ExecuteWithRetry(ctx, op, writePolicy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts...)
	return err
}
