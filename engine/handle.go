package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/c360/streamkit/boundary"
	skerrors "github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/pkg/buffer"
)

// Handle is a producer and consumer view of one registered boundary. It is
// safe for concurrent use; all methods route through the engine's state
// machine.
type Handle struct {
	engine *Engine
	id     string
}

// ID returns the boundary identifier.
func (h *Handle) ID() string { return h.id }

// Status is a point-in-time snapshot of a boundary.
type Status struct {
	State            boundary.State
	Priority         boundary.Priority
	BytesTransferred int64
	ChunksReceived   int64
	BufferedBytes    int
	RetryCount       int
	Err              error
}

// IsStreaming reports whether the boundary currently holds a delivery slot.
func (s Status) IsStreaming() bool {
	return s.State == boundary.StateStreaming || s.State == boundary.StatePaused
}

// IsComplete reports whether the boundary finished successfully.
func (s Status) IsComplete() bool { return s.State == boundary.StateCompleted }

// HasError reports whether the boundary is in the error state.
func (s Status) HasError() bool { return s.State == boundary.StateError }

// Status returns the boundary's current snapshot.
func (h *Handle) Status() (Status, error) {
	e := h.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tracked[h.id]
	if !ok {
		return Status{}, skerrors.ErrBoundaryNotFound
	}
	return Status{
		State:            t.b.State,
		Priority:         t.b.Priority,
		BytesTransferred: t.b.BytesTransferred,
		ChunksReceived:   t.b.ChunksReceived,
		BufferedBytes:    t.buf.BufferedBytes(),
		RetryCount:       t.b.RetryCount,
		Err:              t.b.Err,
	}, nil
}

// Start clears any remaining defer window and requests immediate
// scheduling. The boundary still waits for a free delivery slot.
func (h *Handle) Start() error {
	e := h.engine
	e.mu.Lock()
	t, ok := e.tracked[h.id]
	if !ok {
		e.mu.Unlock()
		return skerrors.ErrBoundaryNotFound
	}
	if t.b.State != boundary.StatePending {
		e.mu.Unlock()
		return skerrors.Invalid(h.id, fmt.Errorf("start from %s: %w", t.b.State, skerrors.ErrInvalidTransition))
	}
	t.eligibleAt = time.Time{}
	if t.deferTimer != nil {
		t.deferTimer.Stop()
		t.deferTimer = nil
	}
	e.schedulePassLocked()
	events := e.drainEventsLocked()
	e.mu.Unlock()
	e.fire(events)
	return nil
}

// Write submits one content chunk. It blocks under the pause strategy when
// the buffer is above its high-water mark, honors an engine-wide rate
// limiter when configured, and returns an abort error if the boundary is
// cancelled mid-write. Under the drop strategy a discarded chunk returns
// nil: the loss is recorded in statistics, not surfaced per call. An
// overflow under the error strategy returns the backpressure error and
// fails the boundary.
func (h *Handle) Write(ctx context.Context, data []byte) error {
	e := h.engine
	e.mu.Lock()
	t, ok := e.tracked[h.id]
	if !ok {
		e.mu.Unlock()
		return skerrors.ErrBoundaryNotFound
	}
	switch t.b.State {
	case boundary.StateStreaming, boundary.StatePaused:
	default:
		e.mu.Unlock()
		return skerrors.Invalid(h.id, fmt.Errorf("write in state %s: %w", t.b.State, skerrors.ErrInvalidTransition))
	}
	buf := t.buf
	e.mu.Unlock()

	if e.writeLimiter != nil {
		if err := e.writeLimiter.Wait(ctx); err != nil {
			return skerrors.Abort(h.id, "write rate wait cancelled")
		}
	}

	_, err := buf.Write(ctx, data)
	if err != nil && skerrors.IsBackpressure(err) {
		// Overflow under the error strategy (or past the buffer strategy's
		// hard cap) forces the boundary into the error state; with retry
		// enabled it re-enters the queue like any other retryable failure.
		e.mu.Lock()
		if t, ok := e.tracked[h.id]; ok {
			e.failLocked(t, err, true)
			e.schedulePassLocked()
		}
		events := e.drainEventsLocked()
		e.mu.Unlock()
		e.fire(events)
	}
	return err
}

// Pause suspends delivery without giving up the boundary's slot. The
// inactivity timer stops while paused so an intentionally idle producer is
// not failed as stalled. A producer-requested pause is not lifted by a
// buffer drain; only Resume ends it.
func (h *Handle) Pause() error {
	return h.transition(boundary.StatePaused, func(e *Engine, t *tracked) {
		t.bpPaused = false
		t.stopStallTimerLocked()
	})
}

// Resume returns a paused boundary to streaming and re-arms its
// inactivity timer.
func (h *Handle) Resume() error {
	return h.transition(boundary.StateStreaming, func(e *Engine, t *tracked) {
		t.bpPaused = false
		e.armStallTimerLocked(t)
	})
}

// Complete marks the stream finished. Buffered chunks remain readable.
func (h *Handle) Complete() error {
	e := h.engine
	e.mu.Lock()
	t, ok := e.tracked[h.id]
	if !ok {
		e.mu.Unlock()
		return skerrors.ErrBoundaryNotFound
	}
	err := e.completeLocked(t)
	if err == nil {
		e.schedulePassLocked()
	}
	events := e.drainEventsLocked()
	e.mu.Unlock()
	e.fire(events)
	return err
}

// Fail reports a producer-side failure. Retryable failures with remaining
// budget are re-queued behind the retry backoff window; everything else is
// terminal.
func (h *Handle) Fail(err error) error {
	e := h.engine
	e.mu.Lock()
	t, ok := e.tracked[h.id]
	if !ok {
		e.mu.Unlock()
		return skerrors.ErrBoundaryNotFound
	}
	if t.b.State.Terminal() {
		e.mu.Unlock()
		return skerrors.ErrInvalidTransition
	}
	if _, classified := skerrors.KindOf(err); !classified {
		err = skerrors.Producer(h.id, err)
	}
	e.failLocked(t, err, true)
	e.schedulePassLocked()
	events := e.drainEventsLocked()
	e.mu.Unlock()
	e.fire(events)
	return nil
}

// Abort cancels the boundary from any non-terminal state, discards
// buffered content, and frees its slot for the next pending boundary.
// Aborting an already-terminal boundary is a no-op.
func (h *Handle) Abort(reason string) error {
	e := h.engine
	e.mu.Lock()
	t, ok := e.tracked[h.id]
	if !ok {
		e.mu.Unlock()
		return skerrors.ErrBoundaryNotFound
	}
	e.abortLocked(t, reason)
	e.schedulePassLocked()
	events := e.drainEventsLocked()
	e.mu.Unlock()
	e.fire(events)
	return nil
}

// Reset returns a completed or aborted boundary to the queue for a fresh
// delivery cycle. Counters, retry budget, and buffered content are all
// cleared; the boundary keeps its original rank within its priority band.
func (h *Handle) Reset() error {
	e := h.engine
	e.mu.Lock()
	t, ok := e.tracked[h.id]
	if !ok {
		e.mu.Unlock()
		return skerrors.ErrBoundaryNotFound
	}
	if e.closed {
		e.mu.Unlock()
		return skerrors.ErrEngineClosed
	}
	if err := t.b.Reset(); err != nil {
		e.mu.Unlock()
		return err
	}
	t.buf = e.newBufferLocked(h.id)
	t.done = make(chan struct{})
	t.doneErr = nil
	t.lastErr = nil
	t.bpPaused = false
	t.eligibleAt = time.Time{}
	t.firstChunkAt = time.Time{}
	t.startedAt = time.Time{}

	e.enqueueLocked(t)
	e.schedulePassLocked()
	events := e.drainEventsLocked()
	e.mu.Unlock()
	e.fire(events)
	return nil
}

// Escalate raises or lowers the boundary's priority. A pending boundary is
// re-ranked immediately and considered in the very next admission pass.
func (h *Handle) Escalate(p boundary.Priority) error {
	e := h.engine
	e.mu.Lock()
	t, ok := e.tracked[h.id]
	if !ok {
		e.mu.Unlock()
		return skerrors.ErrBoundaryNotFound
	}
	if !p.Valid() {
		e.mu.Unlock()
		return skerrors.Invalid(h.id, fmt.Errorf("invalid priority %d", p))
	}
	t.b.Priority = p
	if e.pending.inQueue(t) {
		e.pending.fix(t)
	}
	e.schedulePassLocked()
	events := e.drainEventsLocked()
	e.mu.Unlock()
	e.fire(events)

	e.logger.Debug("boundary priority changed", "boundary_id", h.id, "priority", p.String())
	return nil
}

// Read pops the oldest buffered chunk without blocking. The second return
// is false when the buffer is empty.
func (h *Handle) Read() (buffer.Chunk, bool) {
	e := h.engine
	e.mu.Lock()
	t, ok := e.tracked[h.id]
	if !ok {
		e.mu.Unlock()
		return buffer.Chunk{}, false
	}
	buf := t.buf
	e.mu.Unlock()
	return buf.Read()
}

// Trailing returns a copy of the undelivered bytes without draining them.
// Hydration snapshots use this to carry content the client has not seen.
func (h *Handle) Trailing() []byte {
	e := h.engine
	e.mu.Lock()
	t, ok := e.tracked[h.id]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	buf := t.buf
	e.mu.Unlock()
	return buf.Trailing()
}

// ReadAll drains every buffered chunk.
func (h *Handle) ReadAll() []buffer.Chunk {
	e := h.engine
	e.mu.Lock()
	t, ok := e.tracked[h.id]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	buf := t.buf
	e.mu.Unlock()
	return buf.ReadBatch(buf.Len())
}

// Done returns a channel closed when the boundary reaches a terminal
// state. After a Reset the handle observes the fresh cycle's channel.
func (h *Handle) Done() <-chan struct{} {
	e := h.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tracked[h.id]
	if !ok {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return t.done
}

// Err returns the terminal error, nil for a completed or still-running
// boundary.
func (h *Handle) Err() error {
	e := h.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tracked[h.id]
	if !ok {
		return skerrors.ErrBoundaryNotFound
	}
	return t.doneErr
}

// transition applies a simple producer-driven state change plus a
// side effect under the engine lock.
func (h *Handle) transition(to boundary.State, apply func(*Engine, *tracked)) error {
	e := h.engine
	e.mu.Lock()
	t, ok := e.tracked[h.id]
	if !ok {
		e.mu.Unlock()
		return skerrors.ErrBoundaryNotFound
	}
	from := t.b.State
	if err := t.b.Transition(to); err != nil {
		e.mu.Unlock()
		return err
	}
	apply(e, t)
	e.queueEventLocked(Event{
		Type:       EventStateChange,
		BoundaryID: h.id,
		From:       from,
		To:         to,
	})
	events := e.drainEventsLocked()
	e.mu.Unlock()
	e.fire(events)
	return nil
}
