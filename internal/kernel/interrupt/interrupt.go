// Package interrupt routes trap frames to registered handlers. The
// dispatcher owns a 256-slot vector table; classification of the raw
// cause word is delegated to the architecture backend, so the same
// dispatch path serves exceptions, hardware interrupts and the system
// call gate on every port.
package interrupt

import (
	"errors"
	"fmt"
	"sync"

	"github.com/multios-project/multios/internal/kernel/arch"
	"github.com/multios-project/multios/internal/kernel/ksync"
)

// VectorCount is the size of the dispatch table.
const VectorCount = 256

// noSyscallHandler is the return value stored in a syscall frame when no
// system call handler has been registered yet.
const noSyscallHandler = -5

var (
	// ErrBadVector is returned for a vector outside the table.
	ErrBadVector = errors.New("interrupt vector out of range")

	// ErrNoHandler is returned when unregistering an empty slot.
	ErrNoHandler = errors.New("no handler registered")
)

// ============================================================================
// Trap frames and handlers
// ============================================================================

// TrapFrame is the machine state captured at trap entry. For system
// calls Num and Args carry the request and Ret the completion status.
type TrapFrame struct {
	Vector uint32
	Cause  uint64
	PC     uint64
	SP     uint64

	Num  uint64
	Args [6]uint64
	Ret  int64
}

// Handler services one trap frame. Handlers run with interrupts masked.
type Handler func(frame *TrapFrame)

// UnhandledTrapError reports an exception that reached the dispatcher
// with no handler installed.
type UnhandledTrapError struct {
	Kind   arch.TrapKind
	Vector uint32
	Cause  uint64
	PC     uint64
}

func (e *UnhandledTrapError) Error() string {
	return fmt.Sprintf("unhandled %s: vector=%d cause=%#x pc=%#x",
		e.Kind, e.Vector, e.Cause, e.PC)
}

// ============================================================================
// Dispatcher
// ============================================================================

// Stats counts dispatched traps by kind. The four kind buckets always
// sum to Total; Spurious additionally counts hardware interrupts that
// found no handler.
type Stats struct {
	Total              uint64
	Exceptions         uint64
	HardwareInterrupts uint64
	SystemCalls        uint64
	SoftwareInterrupts uint64
	Spurious           uint64
	LastVector         uint32
	LastKind           arch.TrapKind
	LastTimestamp      uint64
	RatePerSecond      float64
}

// Dispatcher routes trap frames to handlers by vector. The irq lock
// serializes dispatch and keeps interrupts masked while a handler runs;
// handlers follow the locks-are-leaf rule and never call back into the
// dispatcher.
type Dispatcher struct {
	mutex    sync.RWMutex
	irq      ksync.IRQSpinLock
	handlers [VectorCount]Handler
	cpu      arch.Capability

	stats     Stats
	firstTick uint64
}

// NewDispatcher builds a dispatcher bound to a processor capability and
// installs its vector table base on the processor.
func NewDispatcher(cpu arch.Capability) (*Dispatcher, error) {
	d := &Dispatcher{cpu: cpu}
	d.irq.Bind(cpu)
	if err := cpu.InstallTrapVectors(defaultVectorBase(cpu)); err != nil {
		return nil, fmt.Errorf("install trap vectors: %w", err)
	}
	return d, nil
}

// defaultVectorBase picks a legal, aligned table address for the port.
func defaultVectorBase(cpu arch.Capability) uintptr {
	switch cpu.Arch() {
	case arch.ArchAArch64:
		return 0x80000 // VBAR_EL1 wants 2 KiB alignment
	case arch.ArchRISCV64:
		return 0x80004000 // stvec direct mode, low bits clear
	default:
		return 0x10000
	}
}

// Register installs a handler for a vector, replacing any previous one.
func (d *Dispatcher) Register(vector uint32, handler Handler) error {
	if vector >= VectorCount {
		return fmt.Errorf("%w: %d", ErrBadVector, vector)
	}
	if handler == nil {
		return errors.New("nil handler")
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.handlers[vector] = handler
	return nil
}

// Unregister removes the handler for a vector.
func (d *Dispatcher) Unregister(vector uint32) error {
	if vector >= VectorCount {
		return fmt.Errorf("%w: %d", ErrBadVector, vector)
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.handlers[vector] == nil {
		return fmt.Errorf("%w: vector %d", ErrNoHandler, vector)
	}
	d.handlers[vector] = nil
	return nil
}

// Dispatch classifies and services one trap frame. The handler, if any,
// runs with interrupts masked; the previous mask is restored before
// returning. An exception or unknown-cause trap with no handler is fatal
// and reported as an UnhandledTrapError; a hardware interrupt with no
// handler is counted as spurious and acknowledged silently.
func (d *Dispatcher) Dispatch(frame *TrapFrame) error {
	if frame == nil {
		return errors.New("nil trap frame")
	}
	if frame.Vector >= VectorCount {
		return fmt.Errorf("%w: %d", ErrBadVector, frame.Vector)
	}

	kind := d.cpu.DecodeTrapCause(frame.Cause, frame.Vector)

	if err := d.irq.LockIRQSave(); err != nil {
		return fmt.Errorf("dispatch vector %d: %w", frame.Vector, err)
	}
	defer d.irq.UnlockIRQRestore()

	d.mutex.Lock()
	handler := d.handlers[frame.Vector]
	d.account(kind, frame.Vector, handler == nil)
	d.mutex.Unlock()

	if handler != nil {
		handler(frame)
		return nil
	}

	switch {
	case kind == arch.TrapSystemCall:
		frame.Ret = noSyscallHandler
		return nil
	case kind.IsException() || kind == arch.TrapUnknown:
		// Unknown causes are accounted as exceptions, so they take the
		// exception default policy: an x86 #DE or #DF with no handler
		// must not be silently acknowledged.
		return &UnhandledTrapError{
			Kind:   kind,
			Vector: frame.Vector,
			Cause:  frame.Cause,
			PC:     frame.PC,
		}
	default:
		// Spurious hardware interrupt, already counted.
		return nil
	}
}

// account must be called with the mutex held.
func (d *Dispatcher) account(kind arch.TrapKind, vector uint32, unhandled bool) {
	now := d.cpu.ReadTimestamp()
	if d.stats.Total == 0 {
		d.firstTick = now
	}
	d.stats.Total++
	switch {
	case kind == arch.TrapSystemCall:
		d.stats.SystemCalls++
	case kind == arch.TrapTimer || kind == arch.TrapExternalIRQ:
		d.stats.HardwareInterrupts++
		if unhandled {
			d.stats.Spurious++
		}
	case kind == arch.TrapBreakpoint:
		d.stats.SoftwareInterrupts++
	default:
		d.stats.Exceptions++
	}
	d.stats.LastVector = vector
	d.stats.LastKind = kind
	d.stats.LastTimestamp = now
}

// Stats returns a snapshot with the dispatch rate computed over the
// interval between the first and most recent trap.
func (d *Dispatcher) Stats() Stats {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	s := d.stats
	if s.Total > 1 && s.LastTimestamp > d.firstTick {
		elapsed := float64(s.LastTimestamp-d.firstTick) / 1e9
		s.RatePerSecond = float64(s.Total-1) / elapsed
	}
	return s
}

// TimerVector exposes the port's timer vector for scheduler wiring.
func (d *Dispatcher) TimerVector() uint32 {
	return d.cpu.TimerVector()
}
