package grok

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(
		context.Background(),
		discardLogger(),
		"flaky",
		RetryPolicy{Retries: 3, Delay: time.Millisecond, Backoff: 2},
		func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("not yet")
			}
			return nil
		},
	)
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ReturnsLastError(t *testing.T) {
	calls := 0
	err := Retry(
		context.Background(),
		discardLogger(),
		"always fails",
		RetryPolicy{Retries: 2, Delay: time.Millisecond, Backoff: 1},
		func(context.Context) error {
			calls++
			return errors.New("attempt failed")
		},
	)
	assert.EqualError(t, err, "attempt failed")
	assert.Equal(t, 3, calls)
}

func TestRetry_NegativeRetriesStillAttemptsOnce(t *testing.T) {
	calls := 0
	_ = Retry(
		context.Background(),
		nil,
		"once",
		RetryPolicy{Retries: -1},
		func(context.Context) error {
			calls++
			return errors.New("nope")
		},
	)
	assert.Equal(t, 1, calls)
}

func TestRetry_ContextCanceled(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	start := time.Now()
	err := Retry(
		ctx,
		discardLogger(),
		"canceled",
		RetryPolicy{Retries: 5, Delay: time.Hour, Backoff: 2},
		func(context.Context) error {
			calls++
			cancel()
			return errors.New("failed")
		},
	)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Minute)
}

func TestOpenRouterConfig_RetryPolicy(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DefaultRetryPolicy(), cfg.OpenRouter.retryPolicy())
}
