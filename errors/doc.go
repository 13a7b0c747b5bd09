// Package errors provides standardized error handling for StreamKit boundaries.
//
// # Overview
//
// The errors package implements the engine's error taxonomy. Every failure a
// boundary can settle in maps to exactly one Kind: Timeout, Backpressure,
// Abort, Producer, RetryExhausted, or Invalid. The scheduler uses the kind to
// decide whether a failed boundary is re-queued (retryable kinds) or settled
// permanently, and consumers use it to distinguish user-initiated
// cancellation from genuine faults.
//
// # Quick Start
//
// Construct classified errors with the kind helpers:
//
//	if elapsed > budget {
//	    return errors.Timeout(id, errors.ErrBoundaryTimeout)
//	}
//
// Inspect failures with the Is helpers or by unwrapping:
//
//	if errors.IsAbort(err) {
//	    // user cancelled; not a fault
//	}
//	var se *errors.StreamError
//	if stderrors.As(err, &se) {
//	    log.Warn("boundary failed", "kind", se.Kind, "attempts", se.Attempts)
//	}
//
// # Retry Classification
//
// IsRetryable reports whether the scheduler may re-queue a boundary after a
// failure: timeouts, backpressure overflows, and producer failures are
// retryable; aborts and invalid operations never are. RetryExhausted wraps
// the final underlying error once the budget is consumed so consumers
// receive a stable error carrying kind, message, and attempt count.
//
// The package integrates with Go's standard error handling: StreamError
// supports errors.Is, errors.As, and wrapping chains.
package errors
