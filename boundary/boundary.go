// Package boundary defines the unit of progressively delivered content:
// its descriptor, priority ordering, lifecycle state machine, and the
// registry that tracks every known boundary.
package boundary

import (
	"fmt"
	"time"

	"github.com/c360/streamkit/errors"
)

// Descriptor declares a boundary to the engine. ID may be empty, in which
// case the registry assigns one.
type Descriptor struct {
	ID       string        `json:"id"`
	Priority Priority      `json:"priority"`
	Defer    time.Duration `json:"defer,omitempty"`   // minimum delay before admission
	Timeout  time.Duration `json:"timeout,omitempty"` // per-boundary wall-clock budget
	SSR      bool          `json:"ssr,omitempty"`     // eligible for server-side hydration
}

// Boundary is one unit of progressively delivered content. All mutation
// happens under the scheduler's lock; the registry hands out pointers but
// only the scheduler transitions state or touches counters.
type Boundary struct {
	ID       string
	Priority Priority
	Defer    time.Duration
	Timeout  time.Duration
	SSR      bool

	// Seq is the registration order, used to break priority ties.
	Seq uint64

	State            State
	BytesTransferred int64
	ChunksReceived   int64
	RetryCount       int
	Err              error

	RegisteredAt time.Time
}

// Transition moves the boundary to the target state after validating the
// edge against the state machine. It returns a classified invalid error on
// a disallowed edge and leaves the state untouched.
func (b *Boundary) Transition(to State) error {
	if !CanTransition(b.State, to) {
		return errors.Invalid(b.ID,
			fmt.Errorf("%w: %s -> %s", errors.ErrInvalidTransition, b.State, to))
	}
	b.State = to
	return nil
}

// Reset returns a Completed or Aborted boundary to Idle and zeroes its
// counters so it can be started fresh. Error boundaries stay settled; the
// only way out of Error is the scheduler's retry re-queue.
func (b *Boundary) Reset() error {
	if err := b.Transition(StateIdle); err != nil {
		return err
	}
	b.BytesTransferred = 0
	b.ChunksReceived = 0
	b.RetryCount = 0
	b.Err = nil
	return nil
}

// RecordChunk accounts for one accepted chunk of n bytes. Counters are
// monotonically increasing and only Reset zeroes them.
func (b *Boundary) RecordChunk(n int) {
	b.BytesTransferred += int64(n)
	b.ChunksReceived++
}
