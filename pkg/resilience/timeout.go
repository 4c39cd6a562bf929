package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// WithTimeout runs fn under a context that expires after timeout. A
// non-positive timeout runs fn with ctx unchanged. fn must honour ctx; when
// the deadline is what stopped it, the returned error names the operation and
// wraps context.DeadlineExceeded.
func WithTimeout(ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(tctx)
	if err == nil || ctx.Err() != nil {
		return err
	}
	if errors.Is(tctx.Err(), context.DeadlineExceeded) && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: timed out after %v: %w", op, timeout, err)
	}
	return err
}
