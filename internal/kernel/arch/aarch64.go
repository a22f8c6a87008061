package arch

import (
	"fmt"
	"sync"
)

// ============================================================================
// AArch64 backend: GIC interrupt controller, exception-level vector table,
// daifclr/daifset IRQ gate, TTBR0/TTBR1 page-table roots.
// ============================================================================

// Exception classes from ESR_EL1[31:26] that the backend classifies.
const (
	aarch64ECUnknown     = 0x00
	aarch64ECIllegalExec = 0x0E
	aarch64ECSVC64       = 0x15
	aarch64ECInsnAbortLo = 0x20
	aarch64ECInsnAbort   = 0x21
	aarch64ECPCAlignment = 0x22
	aarch64ECDataAbortLo = 0x24
	aarch64ECDataAbort   = 0x25
	aarch64ECSPAlignment = 0x26
	aarch64ECBRK         = 0x3C
)

// GIC INTIDs delivered on the IRQ path. 27 is the virtual generic timer,
// 30 the physical one; anything at or above 32 is a shared peripheral.
const (
	aarch64INTIDVTimer = 27
	aarch64INTIDPTimer = 30
)

// aarch64IRQVector is the pseudo-vector the dispatcher uses for the IRQ
// exception path; individual INTIDs arrive in the cause word.
const aarch64IRQVector = 1

type aarch64Backend struct {
	mutex      sync.Mutex
	daifMasked bool // IRQ+FIQ masked (daifset)
	vbar       uintptr
	ttbr0      uintptr
	ttbr1      uintptr
	el         PrivilegeLevel
}

func newAArch64() *aarch64Backend {
	// DAIF starts masked out of reset; EL1 maps to kernel privilege.
	return &aarch64Backend{daifMasked: true, el: PrivilegeKernel}
}

func (b *aarch64Backend) Arch() Arch { return ArchAArch64 }

// EnableInterrupts models msr daifclr, #3.
func (b *aarch64Backend) EnableInterrupts() {
	b.mutex.Lock()
	b.daifMasked = false
	b.mutex.Unlock()
}

// DisableInterrupts models msr daifset, #3.
func (b *aarch64Backend) DisableInterrupts() {
	b.mutex.Lock()
	b.daifMasked = true
	b.mutex.Unlock()
}

func (b *aarch64Backend) InterruptsEnabled() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return !b.daifMasked
}

// InstallTrapVectors models writing VBAR_EL1; the table must be 2KiB aligned.
func (b *aarch64Backend) InstallTrapVectors(tableBase uintptr) error {
	if tableBase == 0 {
		return fmt.Errorf("aarch64: vector table base must not be null")
	}
	if tableBase&0x7FF != 0 {
		return fmt.Errorf("aarch64: vector table base %#x is not 2KiB aligned", tableBase)
	}
	b.mutex.Lock()
	b.vbar = tableBase
	b.mutex.Unlock()
	return nil
}

func (b *aarch64Backend) TrapVectorBase() uintptr {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.vbar
}

// HaltUntilInterrupt models wfi.
func (b *aarch64Backend) HaltUntilInterrupt() { haltPause() }

// FlushTLBAll models tlbi vmalle1 + dsb + isb.
func (b *aarch64Backend) FlushTLBAll() {}

// FlushTLBPage models tlbi vaae1 for the page covering virt.
func (b *aarch64Backend) FlushTLBPage(virt uintptr) { _ = virt }

func (b *aarch64Backend) ReadTimestamp() uint64 { return monotonicNanos() }

func (b *aarch64Backend) CurrentPrivilegeLevel() PrivilegeLevel {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.el
}

// PageTableRoot returns TTBR0_EL1, the root for the low half of the address
// space; TTBR1 is kernel-half and tracked separately.
func (b *aarch64Backend) PageTableRoot() uintptr {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.ttbr0
}

func (b *aarch64Backend) SetPageTableRoot(root uintptr) {
	b.mutex.Lock()
	b.ttbr0 = root
	b.mutex.Unlock()
}

// DecodeTrapCause classifies a synchronous exception by the EC field of the
// cause word (ESR_EL1 layout), or an IRQ-path delivery by its GIC INTID.
func (b *aarch64Backend) DecodeTrapCause(cause uint64, vector uint32) TrapKind {
	if vector == aarch64IRQVector {
		switch uint32(cause) {
		case aarch64INTIDVTimer, aarch64INTIDPTimer:
			return TrapTimer
		default:
			return TrapExternalIRQ
		}
	}
	switch (cause >> 26) & 0x3F {
	case aarch64ECSVC64:
		return TrapSystemCall
	case aarch64ECInsnAbortLo, aarch64ECInsnAbort, aarch64ECDataAbortLo, aarch64ECDataAbort:
		return TrapPageFault
	case aarch64ECIllegalExec:
		return TrapIllegalInstruction
	case aarch64ECPCAlignment, aarch64ECSPAlignment:
		return TrapAlignment
	case aarch64ECBRK:
		return TrapBreakpoint
	default:
		return TrapUnknown
	}
}

func (b *aarch64Backend) TimerVector() uint32 { return aarch64IRQVector }
