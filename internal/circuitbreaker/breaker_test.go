package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/luxbill/internal/apperr"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(threshold, time.Minute).WithClock(clk.now), clk
}

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(3)
	if !b.Allow("payment_intent.create") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("refund.create")
	b.RecordFailure("refund.create")
	if !b.Allow("refund.create") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("refund.create")
	if b.Allow("refund.create") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("refund.create") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("refund.create"))
	}
}

func TestBreaker_OpenToHalfOpenAfterDuration(t *testing.T) {
	b, clk := newTestBreaker(2)

	b.RecordFailure("op")
	b.RecordFailure("op")
	if b.Allow("op") {
		t.Fatal("should be open")
	}

	clk.advance(time.Minute)

	if !b.Allow("op") {
		t.Fatal("should allow probe in half-open")
	}
	if b.State("op") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("op"))
	}
	if b.Allow("op") {
		t.Fatal("should reject second call while probing")
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b, clk := newTestBreaker(2)

	b.RecordFailure("op")
	b.RecordFailure("op")
	clk.advance(2 * time.Minute)
	b.Allow("op")

	b.RecordSuccess("op")
	if b.State("op") != StateClosed {
		t.Fatalf("expected StateClosed after success, got %v", b.State("op"))
	}
	if !b.Allow("op") {
		t.Fatal("should allow after recovery")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(2)

	b.RecordFailure("op")
	b.RecordFailure("op")
	clk.advance(2 * time.Minute)
	b.Allow("op")

	b.RecordFailure("op")
	if b.State("op") != StateOpen {
		t.Fatalf("expected StateOpen after failed probe, got %v", b.State("op"))
	}
	// Reopening restarts the open window.
	clk.advance(30 * time.Second)
	if b.Allow("op") {
		t.Fatal("reopened circuit should reject")
	}
}

func TestBreaker_SuccessResets(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("op")
	b.RecordFailure("op")
	b.RecordSuccess("op")
	b.RecordFailure("op")
	if !b.Allow("op") {
		t.Fatal("should still be closed after reset")
	}
}

func TestBreaker_IndependentOperations(t *testing.T) {
	b, _ := newTestBreaker(2)

	b.RecordFailure("refund.create")
	b.RecordFailure("refund.create")

	if b.Allow("refund.create") {
		t.Fatal("refund.create should be open")
	}
	if !b.Allow("payment_intent.capture") {
		t.Fatal("payment_intent.capture should be closed")
	}
}

func TestBreaker_UnknownOperationIsClosed(t *testing.T) {
	b, _ := newTestBreaker(2)
	if b.State("unknown") != StateClosed {
		t.Fatalf("expected StateClosed, got %v", b.State("unknown"))
	}
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b, _ := newTestBreaker(2)

	var transitions []struct{ from, to State }
	b.OnTransition(func(op string, from, to State) {
		transitions = append(transitions, struct{ from, to State }{from, to})
	})

	b.RecordFailure("op")
	b.RecordFailure("op")

	if len(transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(transitions))
	}
	if transitions[0].from != StateClosed || transitions[0].to != StateOpen {
		t.Fatalf("expected closed→open, got %v→%v", transitions[0].from, transitions[0].to)
	}
}

func TestBreaker_ExecuteCountsOnlyUpstreamFailures(t *testing.T) {
	b, _ := newTestBreaker(2)
	ctx := context.Background()

	declined := apperr.New(apperr.InvalidInput, "card declined")
	for i := 0; i < 5; i++ {
		err := b.Execute(ctx, "op", func(context.Context) error { return declined })
		if !errors.Is(err, declined) {
			t.Fatalf("expected declined error, got %v", err)
		}
	}
	if b.State("op") != StateClosed {
		t.Fatalf("client errors must not trip the circuit, got %v", b.State("op"))
	}

	outage := apperr.Wrap(apperr.Upstream, errors.New("503"))
	_ = b.Execute(ctx, "op", func(context.Context) error { return outage })
	_ = b.Execute(ctx, "op", func(context.Context) error { return outage })

	var called bool
	err := b.Execute(ctx, "op", func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Fatal("fn must not run while open")
	}
	if !apperr.Retryable(err) {
		t.Fatal("ErrOpen should be retryable")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
