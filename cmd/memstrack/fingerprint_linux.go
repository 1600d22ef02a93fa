//go:build linux

package main

import (
	"bytes"

	"golang.org/x/sys/unix"
)

// kernelFingerprint identifies the running kernel build, so the persistent
// symbol cache never serves addr->key pairs resolved against a different
// kernel (see internal/symbolcache).
func kernelFingerprint() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "unknown"
	}
	return utsString(uts.Release[:]) + "/" + utsString(uts.Version[:])
}

func utsString(field []byte) string {
	return string(bytes.TrimRight(field, "\x00"))
}
