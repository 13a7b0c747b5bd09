// Package errors provides the error taxonomy for the streamkit engine.
// It defines one error kind per failure class the scheduler distinguishes,
// helpers for wrapping errors with boundary context, and the
// retryable/terminal classification that drives retry decisions.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a boundary-level failure.
type Kind int

const (
	// KindTimeout indicates the global or per-boundary wall-clock budget was exceeded.
	KindTimeout Kind = iota
	// KindBackpressure indicates buffer overflow under the Error backpressure strategy.
	KindBackpressure
	// KindAbort indicates explicit cancellation by the producer or consumer.
	KindAbort
	// KindProducer indicates the content producer reported a failure.
	KindProducer
	// KindRetryExhausted wraps the last underlying error after all retry
	// attempts were consumed.
	KindRetryExhausted
	// KindInvalid indicates invalid input, configuration, or an operation
	// rejected by the state machine. Never retried.
	KindInvalid
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindBackpressure:
		return "backpressure"
	case KindAbort:
		return "abort"
	case KindProducer:
		return "producer"
	case KindRetryExhausted:
		return "retry_exhausted"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions.
var (
	// Lifecycle errors
	ErrBoundaryNotFound  = errors.New("boundary not found")
	ErrDuplicateBoundary = errors.New("boundary id already registered")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrEngineClosed      = errors.New("engine closed")

	// Flow errors
	ErrBufferOverflow = errors.New("buffer high-water mark exceeded")
	ErrBufferCapacity = errors.New("buffer hard capacity exceeded")
	ErrWriteAborted   = errors.New("write aborted")

	// Scheduling errors
	ErrGlobalTimeout   = errors.New("global timeout exceeded")
	ErrBoundaryTimeout = errors.New("boundary timeout exceeded")
	ErrRetriesExceeded = errors.New("maximum retries exceeded")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// StreamError is the stable, inspectable error surfaced for a boundary.
// Consumers can switch on Kind, inspect the attempt count, and unwrap
// the underlying cause.
type StreamError struct {
	Kind       Kind
	BoundaryID string
	Attempts   int
	Err        error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.BoundaryID == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Attempts > 0 {
		return fmt.Sprintf("boundary %s: %s after %d attempts: %v", e.BoundaryID, e.Kind, e.Attempts, e.Err)
	}
	return fmt.Sprintf("boundary %s: %s: %v", e.BoundaryID, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// New creates a StreamError of the given kind for a boundary.
func New(kind Kind, boundaryID string, err error) *StreamError {
	return &StreamError{Kind: kind, BoundaryID: boundaryID, Err: err}
}

// Timeout creates a timeout error for a boundary.
func Timeout(boundaryID string, err error) *StreamError {
	return New(KindTimeout, boundaryID, err)
}

// Backpressure creates a backpressure overflow error for a boundary.
func Backpressure(boundaryID string, err error) *StreamError {
	return New(KindBackpressure, boundaryID, err)
}

// Abort creates a cancellation error for a boundary. The reason may be empty.
func Abort(boundaryID, reason string) *StreamError {
	err := error(ErrWriteAborted)
	if reason != "" {
		err = fmt.Errorf("%w: %s", ErrWriteAborted, reason)
	}
	return New(KindAbort, boundaryID, err)
}

// Producer creates a producer-reported failure for a boundary.
func Producer(boundaryID string, err error) *StreamError {
	return New(KindProducer, boundaryID, err)
}

// RetryExhausted wraps the last underlying error after attempts retries.
func RetryExhausted(boundaryID string, attempts int, last error) *StreamError {
	return &StreamError{
		Kind:       KindRetryExhausted,
		BoundaryID: boundaryID,
		Attempts:   attempts,
		Err:        fmt.Errorf("%w: %w", ErrRetriesExceeded, last),
	}
}

// Invalid creates a rejection error for invalid input or a disallowed operation.
func Invalid(boundaryID string, err error) *StreamError {
	return New(KindInvalid, boundaryID, err)
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// KindOf returns the kind of err, or KindInvalid and false if err carries
// no StreamError in its chain.
func KindOf(err error) (Kind, bool) {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return KindInvalid, false
}

// IsTimeout reports whether err is a timeout failure.
func IsTimeout(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindTimeout
}

// IsBackpressure reports whether err is a backpressure overflow failure.
func IsBackpressure(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindBackpressure
}

// IsAbort reports whether err is an explicit cancellation. Aborts are
// user-initiated and must not be treated as faults or retried.
func IsAbort(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindAbort
}

// IsRetryExhausted reports whether err settled after consuming all retries.
func IsRetryExhausted(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindRetryExhausted
}

// IsRetryable reports whether the scheduler may retry the boundary after
// err, budget permitting. Timeouts, backpressure overflows, and producer
// failures are transient; aborts and invalid operations are not.
func IsRetryable(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		// Unclassified producer errors default to retryable so a flaky
		// producer still benefits from the retry budget.
		return true
	}
	switch k {
	case KindTimeout, KindBackpressure, KindProducer:
		return true
	default:
		return false
	}
}
