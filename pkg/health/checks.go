package health

import (
	"context"
	"fmt"
)

// PingFunc probes one dependency.
type PingFunc func(ctx context.Context) error

// PingCheck reports down when ping fails.
func PingCheck(ping PingFunc) Check {
	return func(ctx context.Context) ComponentHealth {
		if err := ping(ctx); err != nil {
			return ComponentHealth{Status: StatusDown, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusUp}
	}
}

// QueueCheck reports degraded once a queue is at least three quarters full
// and down when it is full.
func QueueCheck(depth func() int, capacity int) Check {
	return func(ctx context.Context) ComponentHealth {
		d := depth()
		msg := fmt.Sprintf("%d/%d", d, capacity)
		switch {
		case capacity > 0 && d >= capacity:
			return ComponentHealth{Status: StatusDown, Message: msg}
		case capacity > 0 && d*4 >= capacity*3:
			return ComponentHealth{Status: StatusDegraded, Message: msg}
		default:
			return ComponentHealth{Status: StatusUp, Message: msg}
		}
	}
}
