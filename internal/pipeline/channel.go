package pipeline

import (
	"context"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/errors"
)

// Channel is a bounded FIFO shared by one stage's producers and the next
// stage's consumer. Any number of goroutines may Put and Get concurrently.
type Channel[T any] struct {
	items chan T
}

// NewChannel creates a Channel holding at most capacity items. A capacity
// below one is raised to one.
func NewChannel[T any](capacity int) *Channel[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Channel[T]{items: make(chan T, capacity)}
}

// Put enqueues item, waiting while the channel is full. If ctx ends first
// the item is not enqueued and ctx.Err() is returned.
func (c *Channel[T]) Put(ctx context.Context, item T) error {
	select {
	case c.items <- item:
		return nil
	default:
	}
	select {
	case c.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PutTimeout is Put bounded by d. It fails with ErrChannelFull when no slot
// frees up in time.
func (c *Channel[T]) PutTimeout(ctx context.Context, item T, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case c.items <- item:
		return nil
	case <-timer.C:
		return apperrors.ErrChannelFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get dequeues the oldest item, waiting until one arrives or ctx ends.
func (c *Channel[T]) Get(ctx context.Context) (T, error) {
	select {
	case item := <-c.items:
		return item, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// GetTimeout is Get bounded by d. When d elapses with nothing to take it
// returns ok=false and a nil error.
func (c *Channel[T]) GetTimeout(ctx context.Context, d time.Duration) (item T, ok bool, err error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case item = <-c.items:
		return item, true, nil
	case <-timer.C:
		return item, false, nil
	case <-ctx.Done():
		return item, false, ctx.Err()
	}
}

// Depth is the number of queued items at the time of the call.
func (c *Channel[T]) Depth() int { return len(c.items) }

func (c *Channel[T]) Cap() int { return cap(c.items) }

// Drain removes everything currently queued and returns how many items
// were dropped.
func (c *Channel[T]) Drain() int {
	n := 0
	for {
		select {
		case <-c.items:
			n++
		default:
			return n
		}
	}
}
