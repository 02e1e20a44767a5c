package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/luxbill/internal/apperr"
)

var fast = Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}

func transient() error { return apperr.Wrap(apperr.Upstream, errors.New("timeout")) }

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), fast, func(context.Context) error {
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

func TestDo_RetriesUpstreamFailures(t *testing.T) {
	var calls int
	err := Do(context.Background(), fast, func(context.Context) error {
		calls++
		if calls < 3 {
			return transient()
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
	err := Do(context.Background(), fast, func(context.Context) error {
		calls++
		return transient()
	})
	if !errors.Is(err, apperr.Upstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	var calls int
	invalid := apperr.New(apperr.InvalidInput, "card declined")
	err := Do(context.Background(), fast, func(context.Context) error {
		calls++
		return invalid
	})
	if !errors.Is(err, invalid) {
		t.Fatalf("expected invalid input error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_PermanentErrorStopsRetry(t *testing.T) {
	var calls int
	sentinel := transient()
	err := Do(context.Background(), Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := Do(ctx, Policy{MaxAttempts: 5, BaseDelay: time.Second}, func(context.Context) error {
		calls++
		cancel()
		return transient()
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
	_ = Do(context.Background(), Policy{}, func(context.Context) error {
		calls++
		return transient()
	})
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}
