package resilience

import (
	"context"
	"errors"
	"time"
)

// WithTimeout runs op with a deadline. When the deadline expires before op
// returns, ErrTimeout is returned (marked transient, so retry policies may
// re-attempt); the spawned call keeps running until it observes the
// cancelled context.
func WithTimeout(ctx context.Context, timeout time.Duration, op func(context.Context) error) error {
	if timeout <= 0 {
		return op(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return MarkTransient(ErrTimeout)
		}
		return ctx.Err()
	}
}
