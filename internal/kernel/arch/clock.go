package arch

import (
	"runtime"
	"time"
)

// hostArch maps the build host to a backend family for arch=auto.
func hostArch() Arch {
	switch runtime.GOARCH {
	case "arm64":
		return ArchAArch64
	case "riscv64":
		return ArchRISCV64
	default:
		return ArchX86_64
	}
}

// haltPause is the hosted stand-in for hlt/wfi: yield the OS thread once.
func haltPause() { runtime.Gosched() }

var bootBase = time.Now()

// fallbackNanos is the portable monotonic source used when the platform
// clock syscall is unavailable. time.Since reads Go's monotonic clock.
func fallbackNanos() uint64 { return uint64(time.Since(bootBase)) }
