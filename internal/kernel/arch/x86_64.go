package arch

import (
	"fmt"
	"sync"
)

// ============================================================================
// x86_64 backend: APIC interrupt controller, IDT trap table, sti/cli gate,
// CR3 page-table root, invlpg page flush.
// ============================================================================

// x86_64 trap table layout: 256 IDT vectors. 0..31 are CPU exceptions,
// 32 is the APIC timer, 33..255 are external interrupts, 0x80 is the
// trap-from-user system call gate.
const (
	x86VectorBreakpoint    = 3
	x86VectorInvalidOpcode = 6
	x86VectorGPFault       = 13
	x86VectorPageFault     = 14
	x86VectorAlignment     = 17
	x86VectorTimer         = 32
	x86VectorSyscall       = 0x80
)

type x86Backend struct {
	mutex      sync.Mutex
	intEnabled bool // RFLAGS.IF
	idtBase    uintptr
	cr3        uintptr
	cpl        PrivilegeLevel
}

func newX86_64() *x86Backend {
	return &x86Backend{cpl: PrivilegeKernel}
}

func (b *x86Backend) Arch() Arch { return ArchX86_64 }

// EnableInterrupts models the sti instruction.
func (b *x86Backend) EnableInterrupts() {
	b.mutex.Lock()
	b.intEnabled = true
	b.mutex.Unlock()
}

// DisableInterrupts models the cli instruction.
func (b *x86Backend) DisableInterrupts() {
	b.mutex.Lock()
	b.intEnabled = false
	b.mutex.Unlock()
}

func (b *x86Backend) InterruptsEnabled() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.intEnabled
}

// InstallTrapVectors models lidt: the base must hold a 256-entry IDT.
func (b *x86Backend) InstallTrapVectors(tableBase uintptr) error {
	if tableBase == 0 {
		return fmt.Errorf("x86_64: IDT base must not be null")
	}
	b.mutex.Lock()
	b.idtBase = tableBase
	b.mutex.Unlock()
	return nil
}

func (b *x86Backend) TrapVectorBase() uintptr {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.idtBase
}

// HaltUntilInterrupt models hlt. In the hosted build there is no interrupt
// line to wake on, so this parks the goroutine for one scheduling round.
func (b *x86Backend) HaltUntilInterrupt() { haltPause() }

// FlushTLBAll models a CR3 reload, which invalidates all non-global entries.
func (b *x86Backend) FlushTLBAll() {}

// FlushTLBPage models invlpg.
func (b *x86Backend) FlushTLBPage(virt uintptr) { _ = virt }

func (b *x86Backend) ReadTimestamp() uint64 { return monotonicNanos() }

func (b *x86Backend) CurrentPrivilegeLevel() PrivilegeLevel {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.cpl
}

func (b *x86Backend) PageTableRoot() uintptr {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.cr3
}

func (b *x86Backend) SetPageTableRoot(root uintptr) {
	b.mutex.Lock()
	b.cr3 = root
	b.mutex.Unlock()
}

// DecodeTrapCause maps an IDT vector to the common trap kind. On x86_64 the
// vector number is the cause; the cause word carries the error code and is
// not needed for classification.
func (b *x86Backend) DecodeTrapCause(cause uint64, vector uint32) TrapKind {
	_ = cause
	switch vector {
	case x86VectorBreakpoint:
		return TrapBreakpoint
	case x86VectorInvalidOpcode:
		return TrapIllegalInstruction
	case x86VectorGPFault:
		return TrapGeneralProtection
	case x86VectorPageFault:
		return TrapPageFault
	case x86VectorAlignment:
		return TrapAlignment
	case x86VectorTimer:
		return TrapTimer
	case x86VectorSyscall:
		return TrapSystemCall
	}
	if vector > x86VectorTimer && vector < 256 {
		return TrapExternalIRQ
	}
	return TrapUnknown
}

func (b *x86Backend) TimerVector() uint32 { return x86VectorTimer }
