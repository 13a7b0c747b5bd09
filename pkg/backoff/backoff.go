// Package backoff provides retry delay policies for the scheduler.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	// Thread-safe random source for jitter
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Shape selects how the delay grows with the attempt number.
type Shape int

const (
	// Linear grows the delay as base * attempt. This is the engine default
	// for boundary retries.
	Linear Shape = iota
	// Exponential grows the delay as base * multiplier^(attempt-1).
	Exponential
)

// String returns a human-readable representation of the shape.
func (s Shape) String() string {
	switch s {
	case Linear:
		return "linear"
	case Exponential:
		return "exponential"
	default:
		return "unknown"
	}
}

// Policy computes retry delays. The zero value is unusable; use Default or
// fill Base explicitly.
type Policy struct {
	Shape      Shape         // delay growth shape
	Base       time.Duration // delay before the first retry
	Max        time.Duration // ceiling on any single delay (0 = no ceiling)
	Multiplier float64       // exponential growth factor (Exponential only)
	AddJitter  bool          // add up to 25% randomness to avoid lockstep retries
}

// Default returns the engine's default policy: linear growth, no jitter,
// so the nth retry waits base * n.
func Default(base time.Duration) Policy {
	return Policy{Shape: Linear, Base: base}
}

// Delay returns the wait before retry number attempt (1-based). Attempt
// values below 1 are treated as 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch p.Shape {
	case Exponential:
		mult := p.Multiplier
		if mult <= 0 {
			mult = 2.0
		}
		d = p.Base
		for i := 1; i < attempt; i++ {
			next := float64(d) * mult
			if p.Max > 0 && next > float64(p.Max) {
				d = p.Max
				break
			}
			d = time.Duration(next)
		}
	default:
		d = p.Base * time.Duration(attempt)
	}

	if p.Max > 0 && d > p.Max {
		d = p.Max
	}

	if p.AddJitter && d > 0 {
		randMu.Lock()
		jitter := time.Duration(randSource.Int63n(int64(d/4) + 1))
		randMu.Unlock()
		d += jitter
	}
	return d
}

// NonRetryableError marks errors that must fail immediately.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable.
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Do executes fn up to attempts times, sleeping per the policy between
// failures. The sleep is context-cancellable.
func Do(ctx context.Context, p Policy, attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("retry failed after %d attempts: %w", attempts, lastErr)
}
