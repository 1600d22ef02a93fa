//go:build linux

package engine

import (
	"context"
	"time"

	"golang.org/x/sys/unix"
)

// waitReadable blocks until one of fds becomes readable, timeout elapses, or
// ctx is cancelled, whichever comes first. It mirrors memstrack.c's
// poll(m_pollfds, m_pollfd_num, 250): a real poll(2) call bounds the
// suspension so a pending SIGINT/SIGTERM is never delayed by more than one
// interval, while still waking early the moment a ring has data.
func waitReadable(ctx context.Context, fds []int, timeout time.Duration) {
	if ctx.Err() != nil {
		return
	}

	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}

	// poll(2) has no context awareness, so chop the timeout into short
	// slices and recheck ctx between them. This keeps shutdown latency
	// bounded without needing a self-pipe or eventfd wakeup channel.
	const slice = 25 * time.Millisecond
	remaining := timeout
	for remaining > 0 {
		step := slice
		if step > remaining {
			step = remaining
		}
		n, err := unix.Poll(pfds, int(step.Milliseconds()))
		if n > 0 || (err != nil && err != unix.EINTR) {
			return
		}
		remaining -= step
		if ctx.Err() != nil {
			return
		}
	}
}
