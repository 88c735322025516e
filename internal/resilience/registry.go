package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config is the process-wide resilience policy applied to every call
// made through the registry.
type Config struct {
	Breaker  BreakerConfig
	Bulkhead BulkheadConfig
	Retry    RetryPolicy
	// CallTimeout bounds each individual attempt inside the retry loop.
	CallTimeout time.Duration
	// BulkheadName keys the shared permit pool gating total concurrency
	// against the downstream gateway, independent of per-resource
	// breakers. Empty means "asset-gateway".
	BulkheadName string
}

// Registry holds the named circuit breakers and bulkheads shared across
// deployments. It is constructed once and passed by reference; entries
// are keyed by logical resource name so a failing asset trips its
// breaker regardless of which deployment is calling it.
type Registry struct {
	cfg Config
	log zerolog.Logger

	mu        sync.Mutex
	breakers  map[string]*CircuitBreaker
	bulkheads map[string]*Bulkhead
}

// NewRegistry creates an empty registry with the given per-call policy.
func NewRegistry(cfg Config, log zerolog.Logger) *Registry {
	if cfg.BulkheadName == "" {
		cfg.BulkheadName = "asset-gateway"
	}
	return &Registry{
		cfg:       cfg,
		log:       log,
		breakers:  make(map[string]*CircuitBreaker),
		bulkheads: make(map[string]*Bulkhead),
	}
}

// Breaker returns the breaker for a resource, creating it on first use.
func (r *Registry) Breaker(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = NewCircuitBreaker(name, r.cfg.Breaker)
		r.breakers[name] = b
	}
	return b
}

// Bulkhead returns the permit pool for a resource, creating it on first use.
func (r *Registry) Bulkhead(name string) *Bulkhead {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bulkheads[name]
	if !ok {
		b = NewBulkhead(name, r.cfg.Bulkhead)
		r.bulkheads[name] = b
	}
	return b
}

// Do executes op against the named resource under the full composition:
// the bulkhead gates admission, the breaker fails fast on a known-bad
// resource, the retry policy re-attempts transient failures, and each
// attempt is individually timed out. Capacity rejections happen before
// the breaker is consulted and therefore never count against it.
func (r *Registry) Do(ctx context.Context, resource string, op func(context.Context) error) error {
	release, err := r.Bulkhead(r.cfg.BulkheadName).Acquire(ctx)
	if err != nil {
		r.log.Warn().Str("resource", resource).Err(err).Msg("bulkhead rejected call")
		return err
	}
	defer release()

	breaker := r.Breaker(resource)
	err = breaker.Execute(func() error {
		policy := r.cfg.Retry
		if policy.OnRetry == nil {
			policy.OnRetry = func(attempt uint, delay time.Duration, err error) {
				r.log.Debug().
					Str("resource", resource).
					Uint("attempt", attempt).
					Dur("delay", delay).
					Err(err).
					Msg("retrying call")
			}
		}
		return policy.Do(ctx, func(attemptCtx context.Context) error {
			return WithTimeout(attemptCtx, r.cfg.CallTimeout, op)
		})
	})
	if errors.Is(err, ErrCircuitOpen) {
		r.log.Warn().Str("resource", resource).Msg("circuit breaker rejected call")
	}
	return err
}
