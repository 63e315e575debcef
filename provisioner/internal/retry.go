package internal

import (
	"context"
	"log/slog"
	"time"
)

// Delay before the second attempt, doubled for every further one
var retryBackoff = 100 * time.Millisecond

// Retry calls fn up to attempts times with exponential backoff
// (100ms, 200ms, 400ms, 800ms, ...). Returns the last error if all attempts fail,
// or ctx.Err() if the context is cancelled while backing off.
func Retry(ctx context.Context, log *slog.Logger, what string, attempts int, fn func() error) error {
	_, err := RetryResult(ctx, log, what, attempts, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryResult is like Retry but for functions that return a value.
func RetryResult[T any](ctx context.Context, log *slog.Logger, what string, attempts int, fn func() (T, error)) (T, error) {
	var result T
	var err error
	for i := 0; i < attempts; i++ {
		if result, err = fn(); err == nil {
			return result, nil
		}
		if i < attempts-1 {
			backoff := retryBackoff * time.Duration(1<<i)
			log.Warn("Retrying after failure", "what", what, "attempt", i+1, "backoff", backoff, "error", err)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}
	}
	return result, err
}
