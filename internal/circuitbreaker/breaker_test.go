package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newBreaker(threshold int) (*Breaker, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(threshold, time.Minute, WithClock(c.now)), c
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newBreaker(3)
	assert.True(t, b.Allow("escrow:refund"))

	b.RecordFailure("escrow:refund")
	b.RecordFailure("escrow:refund")
	assert.True(t, b.Allow("escrow:refund"), "below threshold")

	b.RecordFailure("escrow:refund")
	assert.False(t, b.Allow("escrow:refund"))
	assert.Equal(t, StateOpen, b.State("escrow:refund"))

	// Keys are independent.
	assert.True(t, b.Allow("escrow:release"))
	assert.Equal(t, StateClosed, b.State("escrow:release"))
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	b, c := newBreaker(2)
	b.RecordFailure("rpc")
	b.RecordFailure("rpc")

	c.advance(59 * time.Second)
	assert.False(t, b.Allow("rpc"))

	c.advance(time.Second)
	assert.True(t, b.Allow("rpc"), "one trial call after cooldown")
	assert.Equal(t, StateHalfOpen, b.State("rpc"))
	assert.False(t, b.Allow("rpc"), "only one trial call at a time")

	b.RecordSuccess("rpc")
	assert.Equal(t, StateClosed, b.State("rpc"))
	assert.True(t, b.Allow("rpc"))
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	b, c := newBreaker(2)
	b.RecordFailure("rpc")
	b.RecordFailure("rpc")
	c.advance(time.Minute)
	require.True(t, b.Allow("rpc"))

	b.RecordFailure("rpc")
	assert.Equal(t, StateOpen, b.State("rpc"))

	// The cooldown restarts from the failed trial call.
	c.advance(30 * time.Second)
	assert.False(t, b.Allow("rpc"))
	c.advance(30 * time.Second)
	assert.True(t, b.Allow("rpc"))
}

func TestBreaker_SuccessResets(t *testing.T) {
	b, _ := newBreaker(3)
	b.RecordFailure("rpc")
	b.RecordFailure("rpc")
	b.RecordSuccess("rpc")
	b.RecordFailure("rpc")
	assert.True(t, b.Allow("rpc"))
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newBreaker(2)
	boom := errors.New("dial tcp: connection refused")

	calls := 0
	fail := func() error { calls++; return boom }

	assert.ErrorIs(t, b.Do("rpc", fail), boom)
	assert.ErrorIs(t, b.Do("rpc", fail), boom)
	assert.ErrorIs(t, b.Do("rpc", fail), ErrOpen)
	assert.Equal(t, 2, calls, "open circuit must not call fn")

	assert.NoError(t, b.Do("other", func() error { return nil }))
}

func TestNew_Defaults(t *testing.T) {
	b := New(0, 0)
	assert.Equal(t, 5, b.threshold)
	assert.Equal(t, 30*time.Second, b.cooldown)
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
		assert.Equal(t, tt.want, tt.s.String())
	}
}
