package providers

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryConfig bounds connection-phase retries. Once a stream is open no
// retry happens; a broken stream surfaces as a partial message.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// RetryDo runs fn with exponential backoff on retryable failures,
// honoring Retry-After from 429 responses.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	delay := cfg.BaseDelay
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !isRetryable(err) || attempt == cfg.MaxAttempts {
			return zero, err
		}

		wait := delay
		var he *HTTPError
		if errors.As(err, &he) && he.RetryAfter > 0 {
			wait = he.RetryAfter
		}
		if wait > cfg.MaxDelay {
			wait = cfg.MaxDelay
		}

		slog.Warn("provider.retry", "attempt", attempt, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return zero, context.Cause(ctx)
		case <-time.After(wait):
		}
		delay *= 2
	}
	return zero, lastErr
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status == 429 || he.Status >= 500
	}
	// Transport-level failures (connection reset, DNS) are retryable.
	return true
}
