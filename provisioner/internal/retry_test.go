package internal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_Success(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), silentLogger, "flaky", 3, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), silentLogger, "broken", 3, func() error {
		attempts++
		return errors.New("always fails")
	})

	assert.EqualError(t, err, "always fails")
	assert.Equal(t, 3, attempts)
}

func TestRetry_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	attempts := 0
	err := Retry(ctx, silentLogger, "broken", 10, func() error {
		attempts++
		return errors.New("fail")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, attempts, 10)
}

func TestRetryResult(t *testing.T) {
	attempts := 0
	result, err := RetryResult(context.Background(), silentLogger, "flaky", 3, func() (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("not yet")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 2, attempts)
}

func TestRetryResult_ReturnsLastResultOnFailure(t *testing.T) {
	attempts := 0
	result, err := RetryResult(context.Background(), silentLogger, "broken", 2, func() (int, error) {
		attempts++
		return attempts, errors.New("fail")
	})

	assert.EqualError(t, err, "fail")
	assert.Equal(t, 2, result)
}
