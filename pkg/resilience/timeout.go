package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout reports that a single attempt ran past its own deadline while
// the caller's context was still live.
var ErrTimeout = errors.New("attempt timed out")

// WithTimeout runs fn under a deadline of d. fn must honour the context it
// is given. A non-positive d runs fn with ctx unchanged.
func WithTimeout(ctx context.Context, d time.Duration, name string, fn func(ctx context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	err := fn(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w after %v", name, ErrTimeout, d)
	}
	return err
}
