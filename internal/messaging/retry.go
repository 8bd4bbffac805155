package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Retry defaults for transport failures.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 500 * time.Millisecond
)

// TransportError marks a failure at the HTTP transport level. Only these
// failures are retried; API-level rejections are permanent.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is (or wraps) a transport failure.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// RetryPolicy retries an operation with exponential backoff. Retryable
// decides which errors are worth another attempt.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Retryable   func(error) bool
}

// DefaultRetryPolicy retries transport failures up to five times.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		Retryable:   IsTransportError,
	}
}

// Do runs op, retrying per the policy. The delay doubles after each
// attempt. Context cancellation stops the retry loop immediately.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.BaseDelay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		slog.Warn("retrying after transport failure", "attempt", attempt, "max_attempts", attempts, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return fmt.Errorf("giving up after %d attempts: %w", attempts, err)
}
