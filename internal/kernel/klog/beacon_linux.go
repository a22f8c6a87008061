//go:build linux

package klog

import "golang.org/x/sys/unix"

// panicBeaconByte is the marker emitted on stderr when the kernel hits a
// fatal condition, mirroring the byte a bare-metal port would push to the
// serial port before halting.
const panicBeaconByte = 0xFF

// raisePanicBeacon bypasses the buffered sink and writes the beacon with
// a raw syscall, so it survives a wedged logger.
func raisePanicBeacon() {
	_, _ = unix.Write(unix.Stderr, []byte{panicBeaconByte, '\n'})
}
