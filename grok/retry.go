package grok

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

// RetryPolicy configures Retry. Attempts made = Retries + 1.
type RetryPolicy struct {
	Retries int
	Delay   time.Duration
	Backoff float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Retries: DefaultOpenRouterRetries,
		Delay:   DefaultOpenRouterRetryDelay,
		Backoff: DefaultOpenRouterRetryBackoff,
	}
}

func (c OpenRouterConfig) retryPolicy() RetryPolicy {
	return RetryPolicy{
		Retries: c.Retries,
		Delay:   c.RetryDelay,
		Backoff: c.RetryBackoff,
	}
}

// Retry calls fn until it succeeds, the policy's attempts are used up,
// or ctx is done. The error from the last attempt is returned.
func Retry(
	ctx context.Context,
	logger *slog.Logger,
	name string,
	policy RetryPolicy,
	fn func(ctx context.Context) error,
) error {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.Retries < 0 {
		policy.Retries = 0
	}
	if policy.Backoff < 1 {
		policy.Backoff = 1
	}

	attempts := policy.Retries + 1
	delay := policy.Delay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts {
			logger.ErrorContext(
				ctx,
				"failed after all attempts",
				"name", name,
				"attempts", attempts,
				tint.Err(err),
			)
			break
		}

		logger.WarnContext(
			ctx,
			fmt.Sprintf("%s failed (attempt %d/%d), retrying", name, attempt, attempts),
			"delay", delay,
			tint.Err(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = time.Duration(float64(delay) * policy.Backoff)
	}
	return err
}
