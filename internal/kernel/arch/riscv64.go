package arch

import (
	"fmt"
	"sync"
)

// ============================================================================
// RISC-V64 backend: PLIC interrupt controller, stvec vector base,
// mstatus/sstatus interrupt-enable bit, sfence.vma TLB flush, satp root.
// ============================================================================

// scause exception codes (interrupt bit clear).
const (
	riscvCauseInsnMisaligned  = 0
	riscvCauseInsnAccessFault = 1
	riscvCauseIllegalInsn     = 2
	riscvCauseBreakpoint      = 3
	riscvCauseLoadMisaligned  = 4
	riscvCauseLoadAccessFault = 5
	riscvCauseStoreMisaligned = 6
	riscvCauseStoreAccess     = 7
	riscvCauseEcallUser       = 8
	riscvCauseEcallSupervisor = 9
	riscvCauseEcallMachine    = 11
	riscvCauseInsnPageFault   = 12
	riscvCauseLoadPageFault   = 13
	riscvCauseStorePageFault  = 15
)

// scause interrupt codes (interrupt bit set).
const (
	riscvIntSupervisorTimer    = 5
	riscvIntSupervisorExternal = 9
)

const riscvCauseInterruptBit = uint64(1) << 63

// riscvTrapVector is the single stvec entry point in direct mode.
const riscvTrapVector = 0

type riscvBackend struct {
	mutex      sync.Mutex
	sieEnabled bool // sstatus.SIE
	stvec      uintptr
	satp       uintptr
	priv       PrivilegeLevel
}

func newRISCV64() *riscvBackend {
	return &riscvBackend{priv: PrivilegeKernel}
}

func (b *riscvBackend) Arch() Arch { return ArchRISCV64 }

// EnableInterrupts models csrs sstatus, SIE.
func (b *riscvBackend) EnableInterrupts() {
	b.mutex.Lock()
	b.sieEnabled = true
	b.mutex.Unlock()
}

// DisableInterrupts models csrc sstatus, SIE.
func (b *riscvBackend) DisableInterrupts() {
	b.mutex.Lock()
	b.sieEnabled = false
	b.mutex.Unlock()
}

func (b *riscvBackend) InterruptsEnabled() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.sieEnabled
}

// InstallTrapVectors models writing stvec in direct mode; the base must be
// 4-byte aligned with the mode bits clear.
func (b *riscvBackend) InstallTrapVectors(tableBase uintptr) error {
	if tableBase == 0 {
		return fmt.Errorf("riscv64: stvec base must not be null")
	}
	if tableBase&0x3 != 0 {
		return fmt.Errorf("riscv64: stvec base %#x has mode bits set", tableBase)
	}
	b.mutex.Lock()
	b.stvec = tableBase
	b.mutex.Unlock()
	return nil
}

func (b *riscvBackend) TrapVectorBase() uintptr {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.stvec
}

// HaltUntilInterrupt models wfi.
func (b *riscvBackend) HaltUntilInterrupt() { haltPause() }

// FlushTLBAll models sfence.vma with x0, x0.
func (b *riscvBackend) FlushTLBAll() {}

// FlushTLBPage models sfence.vma with the page's virtual address.
func (b *riscvBackend) FlushTLBPage(virt uintptr) { _ = virt }

func (b *riscvBackend) ReadTimestamp() uint64 { return monotonicNanos() }

func (b *riscvBackend) CurrentPrivilegeLevel() PrivilegeLevel {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.priv
}

func (b *riscvBackend) PageTableRoot() uintptr {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.satp
}

func (b *riscvBackend) SetPageTableRoot(root uintptr) {
	b.mutex.Lock()
	b.satp = root
	b.mutex.Unlock()
}

// DecodeTrapCause classifies an scause word. The top bit selects interrupt
// versus exception; the low bits carry the code. The vector number is
// ignored because stvec runs in direct mode.
func (b *riscvBackend) DecodeTrapCause(cause uint64, vector uint32) TrapKind {
	_ = vector
	if cause&riscvCauseInterruptBit != 0 {
		switch cause &^ riscvCauseInterruptBit {
		case riscvIntSupervisorTimer:
			return TrapTimer
		case riscvIntSupervisorExternal:
			return TrapExternalIRQ
		default:
			return TrapUnknown
		}
	}
	switch cause {
	case riscvCauseInsnPageFault, riscvCauseLoadPageFault, riscvCauseStorePageFault:
		return TrapPageFault
	case riscvCauseInsnAccessFault, riscvCauseLoadAccessFault, riscvCauseStoreAccess:
		return TrapGeneralProtection
	case riscvCauseIllegalInsn:
		return TrapIllegalInstruction
	case riscvCauseBreakpoint:
		return TrapBreakpoint
	case riscvCauseInsnMisaligned, riscvCauseLoadMisaligned, riscvCauseStoreMisaligned:
		return TrapAlignment
	case riscvCauseEcallUser, riscvCauseEcallSupervisor, riscvCauseEcallMachine:
		return TrapSystemCall
	default:
		return TrapUnknown
	}
}

func (b *riscvBackend) TimerVector() uint32 { return riscvTrapVector }
