//go:build !linux

package main

// kernelFingerprint has no portable meaning outside Linux; a constant
// disables any cross-build cache confusion since every non-Linux run
// shares one fingerprint.
func kernelFingerprint() string {
	return "non-linux"
}
