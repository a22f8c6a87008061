//go:build !linux

package arch

func monotonicNanos() uint64 { return fallbackNanos() }
