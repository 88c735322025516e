// Package resilience provides the primitives protecting every remote
// call: circuit breaker, retry with backoff, bulkhead, and per-attempt
// timeout, plus a named registry composing them.
package resilience

import "errors"

var (
	// ErrCircuitOpen is returned without invoking the wrapped operation
	// while a breaker is OPEN, or while a HALF_OPEN trial is in flight.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrCapacityExceeded is returned when a bulkhead permit cannot be
	// acquired within the configured wait. It indicates load, not
	// failure of the dependency, and never trips a circuit breaker.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrTimeoutExceeded is returned when a single attempt outlives its
	// bound. The call is abandoned from the caller's perspective.
	ErrTimeoutExceeded = errors.New("timeout exceeded")
)
