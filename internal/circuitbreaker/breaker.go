// Package circuitbreaker provides a per-key circuit breaker with
// closed → open → half-open state transitions. The escrow signer uses it
// so a dead RPC node fails refund and release submissions fast instead of
// holding every admin request through the full retry schedule.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do while a key's circuit is open.
var ErrOpen = errors.New("circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: requests flow through
	StateOpen                  // Tripped: requests are rejected
	StateHalfOpen              // Probing: one request allowed to test recovery
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
	Namespace: "settlement",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type entry struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker trips a key open after threshold consecutive failures. After
// cooldown the next Allow moves it to half-open and lets exactly one trial call
// through; its outcome closes or re-opens it.
type Breaker struct {
	mu        sync.Mutex
	entries   map[string]*entry
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a breaker. Non-positive arguments fall back to 5 failures
// and 30 seconds.
func New(threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{
		entries:   make(map[string]*entry),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call for key may proceed.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return true
	}

	switch e.state {
	case StateOpen:
		if b.now().Sub(e.openedAt) >= b.cooldown {
			b.transition(e, key, StateHalfOpen)
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
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return
	}
	e.failures = 0
	if e.state != StateClosed {
		b.transition(e, key, StateClosed)
	}
}

// RecordFailure counts a failure. A failed half-open trial re-opens the
// circuit immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	e.failures++

	switch {
	case e.state == StateHalfOpen:
		e.openedAt = b.now()
		b.transition(e, key, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		e.openedAt = b.now()
		b.transition(e, key, StateOpen)
	}
}

// Do runs fn if the circuit for key allows it and records the outcome.
// It returns ErrOpen without calling fn while the circuit is open.
func (b *Breaker) Do(key string, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return nil
}

// State returns the current state for a key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return StateClosed
	}
	return e.state
}

// Caller must hold b.mu.
func (b *Breaker) transition(e *entry, key string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	stateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
}
