// Package clock provides a deterministic clock abstraction for the durable-state substrate.
//
// Core logic packages must not call time.Now() directly. Instead inject a Clock
// so that WAL segmentation, audit rotation, idempotency TTLs, and scheduler jitter
// are all deterministically testable.
//
// Usage:
//
//	type Store struct {
//	    clock clock.Clock
//	}
//
//	func New(c clock.Clock) *Store {
//	    return &Store{clock: c}
//	}
//
//	func (s *Store) touch() time.Time {
//	    return s.clock.Now()
//	}
//
//	// In tests
//	fixed := clock.NewFixed(time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC))
package clock

import "time"

// Clock provides the current time. All core logic should depend on this
// interface, not time.Now().
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual system time. Use only at application entry
// points (cmd/*).
type RealClock struct{}

// Now returns the current system time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// FixedClock always returns a fixed time. Use for deterministic testing.
type FixedClock struct {
	T time.Time
}

// Now returns the fixed time.
func (c FixedClock) Now() time.Time {
	return c.T
}

// FuncClock wraps a function as a Clock. Useful for incremental time or
// custom test scenarios.
type FuncClock func() time.Time

// Now calls the wrapped function.
func (f FuncClock) Now() time.Time {
	return f()
}

// NewReal returns a Clock that uses the real system time.
func NewReal() Clock {
	return RealClock{}
}

// NewFixed returns a Clock that always returns the given time.
func NewFixed(t time.Time) Clock {
	return FixedClock{T: t}
}

// NewFunc returns a Clock backed by a custom function.
func NewFunc(f func() time.Time) Clock {
	return FuncClock(f)
}

var (
	_ Clock = RealClock{}
	_ Clock = FixedClock{}
	_ Clock = FuncClock(nil)
)
