package domain

import (
	"context"
	"errors"
	"fmt"
)

// AssetGateway executes a named operation on one target asset. Its latency
// and failure profile are opaque; callers wrap every invocation in the
// resilience layer.
type AssetGateway interface {
	// Apply runs the patch's forward script on the asset.
	Apply(ctx context.Context, asset AssetID, script PatchScript) error
	// Probe samples the asset's current health signals.
	Probe(ctx context.Context, asset AssetID) (HealthSample, error)
	// Rollback runs the patch's compensating script on the asset.
	// Implementations must be idempotent.
	Rollback(ctx context.Context, asset AssetID, script PatchScript) error
}

// TransientError marks a gateway failure worth retrying: the asset was
// unreachable or the call timed out. Repeated occurrence trips the circuit
// breaker for that asset.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a gateway failure that must not be retried: the
// remote script exited with a non-retryable failure code.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %s: %v", e.Op, e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether the error chain contains a [TransientError].
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether the error chain contains a [PermanentError].
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ResilientCaller executes an operation against a named logical resource
// under the process-wide resilience policy: bulkhead admission, circuit
// breaking, retry with backoff, and a per-attempt timeout. Resources are
// keyed by name and shared across deployments so a failing asset trips
// its breaker regardless of which deployment is calling it.
type ResilientCaller interface {
	Do(ctx context.Context, resource string, op func(context.Context) error) error
}
