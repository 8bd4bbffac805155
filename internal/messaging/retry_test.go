package messaging

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyRetriesTransportErrors(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Retryable: IsTransportError}

	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &TransportError{Err: errors.New("connection reset")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryPolicyStopsOnPermanentError(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.BaseDelay = time.Millisecond

	permanent := errors.New("request rejected with status 400")
	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("permanent errors must not be retried, got %d attempts", calls)
	}
}

func TestRetryPolicyGivesUpAfterMaxAttempts(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Microsecond, Retryable: IsTransportError}

	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		return &TransportError{Err: errors.New("timeout")}
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 5 {
		t.Errorf("expected 5 attempts, got %d", calls)
	}
	if !IsTransportError(err) {
		t.Errorf("final error should wrap the transport error, got %v", err)
	}
}

func TestRetryPolicyHonorsContext(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Hour, Retryable: IsTransportError}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := policy.Do(ctx, func() error {
		return &TransportError{Err: errors.New("timeout")}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestIsTransportError(t *testing.T) {
	if !IsTransportError(&TransportError{Err: errors.New("x")}) {
		t.Error("direct transport error not recognized")
	}
	wrapped := errors.Join(errors.New("outer"), &TransportError{Err: errors.New("inner")})
	if !IsTransportError(wrapped) {
		t.Error("wrapped transport error not recognized")
	}
	if IsTransportError(errors.New("plain")) {
		t.Error("plain error misclassified as transport")
	}
}
