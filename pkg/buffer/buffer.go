// Package buffer provides the per-boundary chunk buffer with configurable
// backpressure strategies and always-on statistics.
package buffer

import "time"

// Strategy defines what happens when a boundary's buffered bytes exceed the
// high-water mark.
type Strategy int

const (
	// StrategyPause blocks the producer's write until buffered bytes drop
	// below the high-water mark. This is the default and the only strategy
	// providing true flow control.
	StrategyPause Strategy = iota

	// StrategyDrop discards chunks beyond the high-water mark. Lossy by
	// design; the backpressure-event counter still increments.
	StrategyDrop

	// StrategyBuffer lets the buffer grow past the high-water mark up to
	// the hard byte capacity. Exceeding the hard cap escalates to
	// StrategyError semantics.
	StrategyBuffer

	// StrategyError raises a backpressure error instead of dropping or
	// pausing, forcing the boundary into the Error state.
	StrategyError
)

// String returns a human-readable representation of the strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyPause:
		return "pause"
	case StrategyDrop:
		return "drop"
	case StrategyBuffer:
		return "buffer"
	case StrategyError:
		return "error"
	default:
		return "unknown"
	}
}

// DropPolicy selects which chunk StrategyDrop discards on overflow. The
// default discards the incoming chunk; DropOldest evicts buffered chunks to
// make room for the newest.
type DropPolicy int

const (
	// DropNewest discards the incoming chunk (default).
	DropNewest DropPolicy = iota
	// DropOldest evicts the oldest buffered chunks to admit the newest.
	DropOldest
)

// String returns a human-readable representation of the drop policy.
func (p DropPolicy) String() string {
	switch p {
	case DropNewest:
		return "drop_newest"
	case DropOldest:
		return "drop_oldest"
	default:
		return "unknown"
	}
}

// Chunk is one producer write. AcceptedAt feeds the delivery-latency
// statistics when the chunk is drained.
type Chunk struct {
	Data       []byte
	AcceptedAt time.Time
}

// DropCallback is called with each chunk discarded by StrategyDrop.
type DropCallback func(Chunk)

// Option configures a ChunkBuffer using the functional options pattern.
type Option func(*options)

type options struct {
	strategy       Strategy
	dropPolicy     DropPolicy
	dropCallback   DropCallback
	onAccept       func(bytes int) // fired when a chunk is accepted
	onBackpressure func()          // fired when a write engages backpressure
	onDrain        func()          // fired when buffered bytes drop below the mark
}

// WithStrategy sets the backpressure strategy. Defaults to StrategyPause.
func WithStrategy(s Strategy) Option {
	return func(o *options) { o.strategy = s }
}

// WithDropPolicy selects the StrategyDrop eviction policy.
func WithDropPolicy(p DropPolicy) Option {
	return func(o *options) { o.dropPolicy = p }
}

// WithDropCallback sets a callback invoked for every discarded chunk.
func WithDropCallback(cb DropCallback) Option {
	return func(o *options) { o.dropCallback = cb }
}

// WithAcceptCallback sets a callback invoked for every accepted chunk, at
// accept time rather than when a suspended write resolves. The scheduler
// uses it for chunk accounting and stall detection.
func WithAcceptCallback(cb func(bytes int)) Option {
	return func(o *options) { o.onAccept = cb }
}

// WithBackpressureCallback sets a callback fired each time a write engages
// the backpressure strategy. The scheduler uses it to move the boundary to
// Paused under StrategyPause.
func WithBackpressureCallback(cb func()) Option {
	return func(o *options) { o.onBackpressure = cb }
}

// WithDrainCallback sets a callback fired when buffered bytes drop below
// the high-water mark after a drain. The scheduler uses it to resume a
// backpressure-paused boundary.
func WithDrainCallback(cb func()) Option {
	return func(o *options) { o.onDrain = cb }
}

func applyOptions(opts ...Option) *options {
	o := &options{
		strategy:   StrategyPause,
		dropPolicy: DropNewest,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}
