package internal

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/gammadia/ehos/scheduler"
)

// PollUntil calls check once per interval until it reports done, fails, or
// attempts checks have been made. Running out of attempts yields scheduler.ErrTimeout.
//
// check is called exactly attempts times when it never reports done.
func PollUntil(ctx context.Context, log *slog.Logger, what string, attempts int, interval time.Duration, check func() (bool, error)) error {
	for remaining := attempts; remaining > 0; remaining-- {
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if remaining > 1 {
			log.Debug("Sleeping while waiting", "for", what, "remaining", remaining-1)
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return fmt.Errorf("waiting for %s after %d attempts: %w", what, attempts, scheduler.ErrTimeout)
}

// PollResult is like PollUntil but for checks producing a value once done.
func PollResult[T any](ctx context.Context, log *slog.Logger, what string, attempts int, interval time.Duration, check func() (T, bool, error)) (T, error) {
	var result T
	err := PollUntil(ctx, log, what, attempts, interval, func() (bool, error) {
		value, done, err := check()
		if done {
			result = value
		}
		return done, err
	})
	return result, err
}

// WaitForLogMatch fetches a server log until pattern matches one of its lines,
// and returns every matching line.
func WaitForLogMatch(ctx context.Context, log *slog.Logger, fetch func() (string, error), pattern string, attempts int, interval time.Duration) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid log pattern '%s': %w", pattern, err)
	}

	return PollResult(ctx, log, fmt.Sprintf("log entry '%s'", pattern), attempts, interval, func() ([]string, bool, error) {
		text, err := fetch()
		if err != nil {
			return nil, false, err
		}

		var matches []string
		for _, line := range strings.Split(text, "\n") {
			if re.MatchString(line) {
				matches = append(matches, line)
			}
		}
		return matches, len(matches) > 0, nil
	})
}
