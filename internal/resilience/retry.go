package resilience

import (
	"context"
	"time"

	retry "github.com/avast/retry-go/v4"
)

// BackoffKind selects how the delay between attempts grows.
type BackoffKind string

const (
	BackoffConstant    BackoffKind = "constant"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy re-attempts transient failures with backoff. Permanent
// failures, everything RetryIf rejects, are never retried. Jitter is
// added to every delay so callers hitting the same dependency do not
// retry in lockstep.
type RetryPolicy struct {
	// MaxRetries is the number of re-attempts after the first call.
	MaxRetries uint
	// Backoff selects the delay curve; defaults to exponential.
	Backoff BackoffKind
	// BaseDelay seeds the curve. Zero means 100ms.
	BaseDelay time.Duration
	// MaxDelay caps a single computed delay. Zero means 10s.
	MaxDelay time.Duration
	// MaxJitter is the randomized addition to each delay. Zero means
	// a quarter of BaseDelay.
	MaxJitter time.Duration
	// RetryIf restricts retries to the declared failure kinds. Nil
	// retries everything.
	RetryIf func(error) bool
	// OnRetry is the observability callback invoked before each
	// re-attempt with the failed attempt number (0-based), the delay
	// computed for it (pre-jitter), and the attempt's error. The last
	// failed attempt is not reported since no re-attempt follows it.
	OnRetry func(attempt uint, delay time.Duration, err error)
}

func (p RetryPolicy) delayType() retry.DelayTypeFunc {
	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	var curve retry.DelayTypeFunc
	switch p.Backoff {
	case BackoffConstant:
		curve = retry.FixedDelay
	case BackoffLinear:
		curve = func(n uint, _ error, _ *retry.Config) time.Duration {
			return time.Duration(n+1) * base
		}
	default:
		curve = retry.BackOffDelay
	}
	return retry.CombineDelay(curve, retry.RandomDelay)
}

// delayFor computes the pre-jitter delay for the n-th failed attempt.
func (p RetryPolicy) delayFor(n uint, base, maxDelay time.Duration) time.Duration {
	var d time.Duration
	switch p.Backoff {
	case BackoffConstant:
		d = base
	case BackoffLinear:
		d = time.Duration(n+1) * base
	default:
		d = base << n
	}
	if d > maxDelay || d <= 0 {
		d = maxDelay
	}
	return d
}

// Do runs op under the policy. The error returned is the last attempt's
// error, unwrapped from retry-go's aggregate.
func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) error) error {
	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	jitter := p.MaxJitter
	if jitter <= 0 {
		jitter = base / 4
	}

	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(p.MaxRetries + 1),
		retry.Delay(base),
		retry.MaxDelay(maxDelay),
		retry.MaxJitter(jitter),
		retry.DelayType(p.delayType()),
		retry.LastErrorOnly(true),
	}
	if p.RetryIf != nil {
		opts = append(opts, retry.RetryIf(p.RetryIf))
	}
	if p.OnRetry != nil {
		opts = append(opts, retry.OnRetry(func(n uint, err error) {
			// retry-go also reports the final failed attempt, which
			// has no re-attempt behind it.
			if n >= p.MaxRetries {
				return
			}
			p.OnRetry(n, p.delayFor(n, base, maxDelay), err)
		}))
	}

	return retry.Do(func() error { return op(ctx) }, opts...)
}
