package resilience

import (
	"context"
	"fmt"
	"time"
)

// WithTimeout bounds a single call. If op does not return within d the
// call is abandoned from the caller's perspective and [ErrTimeoutExceeded]
// is returned; op's goroutine is left to drain on its (cancelled) context.
func WithTimeout(ctx context.Context, d time.Duration, op func(context.Context) error) error {
	if d <= 0 {
		return op(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op(callCtx) }()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: after %s", ErrTimeoutExceeded, d)
	}
}
