//go:build !linux

package engine

import (
	"context"
	"time"
)

// waitReadable on non-Linux platforms (where ringbuf has no real transport,
// see perf_other.go) just sleeps out the interval, context-aware so Stop
// doesn't have to wait out a full poll cycle.
func waitReadable(ctx context.Context, fds []int, timeout time.Duration) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
