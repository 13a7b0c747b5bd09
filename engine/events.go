package engine

import (
	"time"

	"github.com/c360/streamkit/boundary"
)

// EventType identifies what happened to a boundary.
type EventType int

const (
	// EventStateChange is emitted for every accepted state transition.
	EventStateChange EventType = iota
	// EventChunk is emitted for every accepted chunk.
	EventChunk
	// EventBackpressure is emitted when a write engages the backpressure
	// strategy.
	EventBackpressure
	// EventRetry is emitted when a failed boundary is re-queued.
	EventRetry
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventStateChange:
		return "state_change"
	case EventChunk:
		return "chunk"
	case EventBackpressure:
		return "backpressure"
	case EventRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// Event is one observation delivered to subscribers. Fields beyond Type,
// BoundaryID, and At are populated per type: From/To for state changes,
// Bytes for chunks, Attempt for retries, Err for failing transitions.
type Event struct {
	Type       EventType
	BoundaryID string
	From, To   boundary.State
	Bytes      int
	Attempt    int
	Err        error
	// Final marks an error transition the boundary will not retry out of.
	// A transient failure about to re-enter the queue carries Final false
	// and is followed by an EventRetry.
	Final bool
	At    time.Time
}

// Subscribe registers fn for every engine event and returns its
// unsubscribe function. Callbacks run synchronously in the scheduler's
// execution context; a panicking subscriber is contained and reported via
// the engine's OnError callback, never propagated into the state machine.
func (e *Engine) Subscribe(fn func(Event)) func() {
	e.subsMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.subsMu.Unlock()

	return func() {
		e.subsMu.Lock()
		delete(e.subs, id)
		e.subsMu.Unlock()
	}
}

// queueEventLocked appends an event for delivery after the current
// scheduling step releases the engine lock. Caller holds e.mu.
func (e *Engine) queueEventLocked(ev Event) {
	ev.At = time.Now()
	e.eventQ = append(e.eventQ, ev)
}

// drainEventsLocked returns and clears the queued events. Caller holds e.mu.
func (e *Engine) drainEventsLocked() []Event {
	evs := e.eventQ
	e.eventQ = nil
	return evs
}

// fire delivers events to subscribers and the metrics-update callback.
// Must be called without e.mu held.
func (e *Engine) fire(events []Event) {
	if len(events) == 0 {
		return
	}

	e.subsMu.Lock()
	fns := make([]func(Event), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.subsMu.Unlock()

	for _, ev := range events {
		for _, fn := range fns {
			func(fn func(Event), ev Event) {
				defer e.recoverCallback("subscriber")
				fn(ev)
			}(fn, ev)
		}
		if e.onStreamError != nil && ev.Type == EventStateChange && ev.To == boundary.StateError && ev.Final {
			func(ev Event) {
				defer e.recoverCallback("stream error callback")
				e.onStreamError(ev.BoundaryID, ev.Err)
			}(ev)
		}
	}

	if e.onMetricsUpdate != nil {
		snapshot := e.Metrics()
		func() {
			defer e.recoverCallback("metrics update")
			e.onMetricsUpdate(snapshot)
		}()
	}
}

// recoverCallback contains a panicking observer so it cannot corrupt
// scheduler state. The failure is reported through OnError and logged.
func (e *Engine) recoverCallback(origin string) {
	r := recover()
	if r == nil {
		return
	}
	err := errFromPanic(origin, r)
	e.logger.Error("observer callback panicked", "origin", origin, "error", err)
	if e.onError != nil {
		func() {
			defer func() { _ = recover() }() // a broken OnError stays broken quietly
			e.onError(err)
		}()
	}
}
