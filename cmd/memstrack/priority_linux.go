//go:build linux

package main

import (
	"log/slog"
	"syscall"
)

// raisePriority reproduces memstrack.c's set_high_priority(): renice the
// process to -20 so the tracer is scheduled ahead of the workload it is
// measuring, reducing the odds of a ring buffer overrun under load. Failure
// is logged, not fatal, matching the original's log_error-without-exit.
func raisePriority(logger *slog.Logger) {
	if err := syscall.Setpriority(syscall.PRIO_PROCESS, 0, -20); err != nil {
		logger.Warn("failed to raise process priority", slog.Any("error", err))
	}
}
