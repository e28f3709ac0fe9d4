package helpers

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryStopsAtMax(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond}, func(context.Context) error {
		calls++
		return errors.New("down")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 3 {
		t.Fatalf("expected initial call plus 2 retries, got %d", calls)
	}
}

func TestRetryPermanent(t *testing.T) {
	calls := 0
	sentinel := errors.New("bad request")
	err := Retry(context.Background(), RetryPolicy{MaxRetries: 5, InitialInterval: time.Millisecond}, func(context.Context) error {
		calls++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent errors must not retry, calls=%d", calls)
	}
}

func TestRetryAttemptDeadline(t *testing.T) {
	var deadlines []bool
	_ = Retry(context.Background(), RetryPolicy{MaxRetries: 1, AttemptTimeout: 50 * time.Millisecond, InitialInterval: time.Millisecond}, func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		deadlines = append(deadlines, ok)
		return errors.New("fail")
	})
	if len(deadlines) != 2 || !deadlines[0] || !deadlines[1] {
		t.Fatalf("every attempt should carry a deadline: %v", deadlines)
	}
}

func TestRetryCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, RetryPolicy{MaxRetries: 10, InitialInterval: time.Millisecond}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("cancelled context must stop retries, calls=%d", calls)
	}
}
