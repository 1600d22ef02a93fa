//go:build !linux

package main

import "log/slog"

// raisePriority is a no-op outside Linux; setpriority has no meaningful
// equivalent on platforms this tracer does not otherwise support.
func raisePriority(logger *slog.Logger) {
	logger.Debug("priority boost skipped, not running on linux")
}
