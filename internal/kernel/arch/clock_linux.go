//go:build linux

package arch

import "golang.org/x/sys/unix"

// monotonicNanos reads CLOCK_MONOTONIC directly so the timestamp matches
// what a timer driver would observe, independent of wall-clock steps.
func monotonicNanos() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return fallbackNanos()
	}
	return uint64(ts.Sec)*1e9 + uint64(ts.Nsec)
}
