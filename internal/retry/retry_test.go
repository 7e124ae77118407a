package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Policy{Attempts: 3, BaseDelay: 10 * time.Millisecond}.Do(context.Background(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_SuccessOnRetry(t *testing.T) {
	var calls int
	err := Policy{Attempts: 3, BaseDelay: time.Millisecond}.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_AllAttemptsExhausted(t *testing.T) {
	var calls int
	sentinel := errors.New("always fails")
	err := Policy{Attempts: 3, BaseDelay: time.Millisecond}.Do(context.Background(), func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_PermanentErrorStopsRetry(t *testing.T) {
	var calls int
	sentinel := errors.New("permanent failure")
	err := Policy{Attempts: 5, BaseDelay: time.Millisecond}.Do(context.Background(), func() error {
		calls++
		return Permanent(sentinel)
	})
	if err != sentinel {
		t.Fatalf("expected unwrapped sentinel, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := Policy{Attempts: 5, BaseDelay: time.Second}.Do(ctx, func() error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	var calls int
	_ = Policy{}.Do(context.Background(), func() error {
		calls++
		return errors.New("x")
	})
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestJittered_WithinBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 100; i++ {
		d := jittered(base)
		if d < 75*time.Millisecond || d > 125*time.Millisecond {
			t.Fatalf("jittered(%v) = %v out of bounds", base, d)
		}
	}
}
