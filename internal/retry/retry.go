// Package retry retries side effects that run outside an atomic unit
// (event publishing, chain RPC reads) with exponential backoff and
// jitter. Settlement transitions themselves are never retried.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	// Attempts is the total number of calls, including the first.
	Attempts int
	// BaseDelay is doubled after every failed attempt, with +-25% jitter.
	BaseDelay time.Duration
	// MaxDelay caps the backoff. Zero means uncapped.
	MaxDelay time.Duration
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn until it succeeds, returns a *PermanentError, the attempts
// run out, or ctx is cancelled.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	delay := p.BaseDelay

	for attempt := 0; attempt < attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay)):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return err
}

func jittered(d time.Duration) time.Duration {
	jitter := d / 4
	return d - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))
}

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0, v%n < n, safe
}
