package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), 3, time.Millisecond, func() (int, error) {
		calls++
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("expected success on first attempt, got v=%d err=%v", v, err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one call, got %d", calls)
	}
}

func TestRetryRetriesUntilSuccess(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), 5, time.Millisecond, func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("expected eventual success, got v=%q err=%v", v, err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls before success, got %d", calls)
	}
}

func TestRetryExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	calls := 0
	wantErr := errors.New("permanent")
	_, err := Retry(context.Background(), 2, time.Millisecond, func() (int, error) {
		calls++
		return 0, wantErr
	})
	if err != wantErr {
		t.Fatalf("expected last error returned, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected exactly attempts(2) calls, got %d", calls)
	}
}

func TestRetryAbortsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := Retry(ctx, 3, 50*time.Millisecond, func() (int, error) {
		calls++
		return 0, errors.New("transient")
	})
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one attempt before cancellation aborts sleep, got %d", calls)
	}
}
