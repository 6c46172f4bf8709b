// Package mutex implements the Scoped Mutex: a FIFO single-holder async lock
// used to serialize writers to a single durable artifact (one mutex per
// resilient-store document, WAL, or audit file). It intentionally has no
// reentrancy, no priority-inversion handling, and no timeouts — those are the
// caller's concern, layered on top via context cancellation if needed.
package mutex

import (
	"context"

	substraterr "github.com/hollowware/substrate/pkg/errors"
)

// Scoped is a FIFO single-holder lock. A buffered channel of capacity 1 used
// as a semaphore gives exact FIFO ordering for free: Go's channel send/receive
// scheduling serves waiters in arrival order.
type Scoped struct {
	ch     chan struct{}
	closed chan struct{}
}

// New returns an unheld Scoped mutex.
func New() *Scoped {
	s := &Scoped{
		ch:     make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	s.ch <- struct{}{}
	return s
}

// Acquire suspends the caller until the mutex is held, or ctx is done, or the
// mutex has been closed. Callers must pair every successful Acquire with
// Release on all exit paths, including error paths.
func (s *Scoped) Acquire(ctx context.Context) error {
	select {
	case <-s.ch:
		return nil
	case <-s.closed:
		return substraterr.ErrMutexClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns the mutex to the unheld state, waking the next FIFO waiter
// if any. Calling Release without a matching successful Acquire is a
// programmer error and will block a future Acquire forever (the channel
// would hold two tokens only if Release is called twice — guarded against
// by the capacity-1 buffer, which panics on an un-received double-send; we
// instead no-op defensively since this mutex has no owner tracking).
func (s *Scoped) Release() {
	select {
	case s.ch <- struct{}{}:
	default:
		// Already unheld; a double-release is a caller bug but must not panic
		// a production process.
	}
}

// Close releases any current and future waiters with ErrMutexClosed. Used
// during shutdown so in-flight Acquire calls don't hang.
func (s *Scoped) Close() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}
