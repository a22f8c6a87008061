// Package arch provides the architecture adapter seam for the MultiOS core.
// Every higher layer reaches the hardware through the Capability interface;
// three concrete backends (x86_64, AArch64, RISC-V64) implement it.
package arch

import (
	"fmt"
	"strings"
)

// ============================================================================
// Architecture selection
// ============================================================================

// Arch identifies a supported instruction-set family.
type Arch uint8

const (
	ArchAuto Arch = iota
	ArchX86_64
	ArchAArch64
	ArchRISCV64
)

// String returns the canonical command-line spelling of the architecture.
func (a Arch) String() string {
	switch a {
	case ArchAuto:
		return "auto"
	case ArchX86_64:
		return "x86_64"
	case ArchAArch64:
		return "aarch64"
	case ArchRISCV64:
		return "riscv64"
	default:
		return fmt.Sprintf("arch(%d)", uint8(a))
	}
}

// ParseArch parses an arch= command-line value.
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ArchAuto, nil
	case "x86_64", "amd64":
		return ArchX86_64, nil
	case "aarch64", "arm64":
		return ArchAArch64, nil
	case "riscv64":
		return ArchRISCV64, nil
	default:
		return ArchAuto, fmt.Errorf("unknown architecture %q", s)
	}
}

// PrivilegeLevel is the current execution privilege as reported by a backend.
// 0 is the most privileged level on every supported architecture.
type PrivilegeLevel uint8

const (
	PrivilegeKernel PrivilegeLevel = 0
	PrivilegeUser   PrivilegeLevel = 3
)

// ============================================================================
// Capability seam
// ============================================================================

// Capability is the set of operations a conforming backend must supply.
// The bootstrap sequencer, the interrupt dispatcher and the scheduler are
// written against this interface only.
type Capability interface {
	// Arch reports which backend this is.
	Arch() Arch

	// EnableInterrupts opens the interrupt gate (sti / daifclr / mstatus.MIE).
	EnableInterrupts()
	// DisableInterrupts closes the interrupt gate (cli / daifset / mstatus.MIE).
	DisableInterrupts()
	// InterruptsEnabled reports the current gate state.
	InterruptsEnabled() bool

	// InstallTrapVectors installs the trap table at the given base
	// (IDT / exception-level vector table / mtvec-stvec base).
	InstallTrapVectors(tableBase uintptr) error
	// TrapVectorBase returns the last installed table base, 0 if none.
	TrapVectorBase() uintptr

	// HaltUntilInterrupt idles the CPU until the next interrupt arrives.
	HaltUntilInterrupt()

	// FlushTLBAll invalidates every TLB entry.
	FlushTLBAll()
	// FlushTLBPage invalidates the TLB entry covering virt.
	FlushTLBPage(virt uintptr)

	// ReadTimestamp returns best-effort monotonic nanoseconds.
	ReadTimestamp() uint64

	// CurrentPrivilegeLevel reports the executing privilege level.
	CurrentPrivilegeLevel() PrivilegeLevel

	// PageTableRoot returns the active root (CR3 / TTBR0 / satp).
	PageTableRoot() uintptr
	// SetPageTableRoot switches the active root.
	SetPageTableRoot(root uintptr)

	// DecodeTrapCause translates the native cause word and vector number
	// into the dispatcher's common trap kind.
	DecodeTrapCause(cause uint64, vector uint32) TrapKind

	// TimerVector is the vector the periodic timer is delivered on.
	TimerVector() uint32
}

// New returns the backend for the requested architecture. ArchAuto selects
// the build host's family, defaulting to x86_64 when the host is neither
// ARM nor RISC-V.
func New(a Arch) (Capability, error) {
	if a == ArchAuto {
		a = hostArch()
	}
	switch a {
	case ArchX86_64:
		return newX86_64(), nil
	case ArchAArch64:
		return newAArch64(), nil
	case ArchRISCV64:
		return newRISCV64(), nil
	default:
		return nil, fmt.Errorf("no backend for architecture %s", a)
	}
}
