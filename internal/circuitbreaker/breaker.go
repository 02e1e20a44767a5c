// Package circuitbreaker guards payment processor operations with a per-operation
// circuit breaker. Only upstream failures (5xx, rate limits, network errors)
// count toward tripping; a declined card is not an outage.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/luxbill/internal/apperr"
)

// ErrOpen is returned by Execute while the circuit for an operation is open.
var ErrOpen = apperr.New(apperr.Upstream, "payment processor temporarily unavailable")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected
	StateHalfOpen              // one probe call allowed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "luxbill",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Processor circuit breaker transitions by operation, from-state, and to-state.",
}, []string{"op", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker keeps one circuit per processor operation name.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	openDuration time.Duration
	now          func() time.Time
	onTransition func(op string, from, to State)
}

// New creates a breaker that opens after threshold consecutive upstream
// failures and stays open for openDuration before allowing a probe.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		circuits:     make(map[string]*circuit),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// OnTransition sets a callback invoked synchronously on state changes.
// The callback must not call back into the breaker.
func (b *Breaker) OnTransition(fn func(op string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Execute runs fn unless the circuit for op is open. An upstream-kind error
// from fn counts as a failure; any other outcome counts as a success.
func (b *Breaker) Execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if !b.Allow(op) {
		return ErrOpen
	}
	err := fn(ctx)
	if apperr.KindOf(err) == apperr.Upstream {
		b.RecordFailure(op)
	} else {
		b.RecordSuccess(op)
	}
	return err
}

// Allow reports whether a call to op may proceed. An open circuit whose
// open duration has elapsed moves to half-open and admits one probe.
func (b *Breaker) Allow(op string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[op]
	if !ok {
		return true
	}

	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) >= b.openDuration {
			b.transition(c, op, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(op string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[op]
	if !ok {
		return
	}
	c.failures = 0
	if c.state == StateHalfOpen {
		b.transition(c, op, StateClosed)
	}
}

// RecordFailure counts a failure. A failed probe reopens the circuit.
func (b *Breaker) RecordFailure(op string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[op]
	if !ok {
		c = &circuit{}
		b.circuits[op] = c
	}
	c.failures++

	switch {
	case c.state == StateHalfOpen:
		c.openedAt = b.now()
		b.transition(c, op, StateOpen)
	case c.state == StateClosed && c.failures >= b.threshold:
		c.openedAt = b.now()
		b.transition(c, op, StateOpen)
	}
}

// State returns the current state for op; unknown operations are closed.
func (b *Breaker) State(op string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[op]; ok {
		return c.state
	}
	return StateClosed
}

// caller holds b.mu
func (b *Breaker) transition(c *circuit, op string, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	stateTransitions.WithLabelValues(op, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		b.onTransition(op, from, to)
	}
}
