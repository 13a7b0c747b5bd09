// Package engine implements the streaming scheduler: it admits registered
// boundaries into a bounded set of delivery slots, moves each one through
// its lifecycle, and applies the configured backpressure strategy to
// producer writes.
//
// # Scheduling Model
//
// All scheduling decisions run under one mutex, so the state machine is
// logically single-threaded. Pending boundaries wait in a priority queue
// ordered by (priority, registration sequence); an admission pass runs
// whenever a slot frees, a defer or retry window elapses, or a priority
// changes. Paused boundaries keep their slot, which guarantees a resume
// can never exceed the concurrency cap. Under the pause strategy the
// engine parks a boundary in Paused while its producer is suspended on
// backpressure and resumes it when a drain brings the buffer back under
// the mark; an explicit producer Pause is lifted only by Resume.
//
// # Timers
//
// Three timers gate a boundary. The defer timer delays first admission.
// The inactivity timer restarts with every accepted chunk and fails the
// boundary with a retryable timeout when the producer stalls. The global
// timer is a lifetime ceiling that starts at registration and spans
// retries; its expiry is terminal.
//
// # Retries
//
// A retryable failure with remaining budget moves the boundary back to
// pending behind a backoff window, linear in the attempt number by default
// (see [github.com/c360/streamkit/pkg/backoff]). Aborts, invalid
// operations, and global timeouts never retry.
//
// # Observability
//
// Subscribers receive every state change, chunk, backpressure engagement,
// and retry as an Event. Callbacks run synchronously but outside the
// scheduler lock, and a panicking subscriber is contained. With a metrics
// registry attached the engine also exports Prometheus collectors.
package engine
