package resilience

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// BulkheadConfig tunes a bulkhead permit pool.
type BulkheadConfig struct {
	// MaxConcurrent is the number of in-flight calls admitted at once.
	MaxConcurrent int64
	// MaxWait is how long a caller waits for a permit before failing
	// with [ErrCapacityExceeded].
	MaxWait time.Duration
}

// Bulkhead bounds concurrent in-flight calls against a named resource so
// one workload cannot exhaust shared capacity. The in-flight count never
// exceeds MaxConcurrent; permits are always released on completion.
type Bulkhead struct {
	name     string
	cfg      BulkheadConfig
	sem      *semaphore.Weighted
	inFlight atomic.Int64
}

// NewBulkhead creates a bulkhead. Zero MaxConcurrent defaults to 10;
// zero MaxWait defaults to 5s.
func NewBulkhead(name string, cfg BulkheadConfig) *Bulkhead {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Second
	}
	return &Bulkhead{
		name: name,
		cfg:  cfg,
		sem:  semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

// Name returns the logical resource this bulkhead partitions.
func (b *Bulkhead) Name() string { return b.name }

// InFlight returns the current number of held permits.
func (b *Bulkhead) InFlight() int64 { return b.inFlight.Load() }

// Acquire takes a permit, waiting up to MaxWait. The returned release
// function must be called exactly once, typically via defer, so the
// permit is returned regardless of the call's outcome.
func (b *Bulkhead) Acquire(ctx context.Context) (release func(), err error) {
	waitCtx, cancel := context.WithTimeout(ctx, b.cfg.MaxWait)
	defer cancel()

	if err := b.sem.Acquire(waitCtx, 1); err != nil {
		// A caller that was cancelled while waiting is not a capacity
		// signal.
		if cause := ctx.Err(); cause != nil {
			return nil, cause
		}
		return nil, fmt.Errorf("%w: bulkhead %q full after %s", ErrCapacityExceeded, b.name, b.cfg.MaxWait)
	}
	b.inFlight.Add(1)
	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			b.inFlight.Add(-1)
			b.sem.Release(1)
		}
	}, nil
}
