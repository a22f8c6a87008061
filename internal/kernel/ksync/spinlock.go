// Package ksync provides the kernel's low-level locking primitives. They
// are built on atomic compare-and-swap rather than sync.Mutex so the
// acquire path stays allocation-free and usable from interrupt context.
package ksync

import (
	"errors"
	"runtime"
	"sync/atomic"

	"github.com/multios-project/multios/internal/kernel/arch"
)

// ErrPoisoned is returned when a lock was held by a context that panicked
// and the data it guards must be assumed inconsistent.
var ErrPoisoned = errors.New("lock poisoned")

// spinBudget is the number of busy-wait iterations before the holder
// yields the processor.
const spinBudget = 64

// ============================================================================
// SpinLock
// ============================================================================

// SpinLock is a test-and-set spinlock with poison detection. The zero
// value is an unlocked, healthy lock.
type SpinLock struct {
	state        uint32
	poison       uint32
	ignorePoison uint32
	contentions  uint64
}

// Lock acquires the lock, spinning until it is free. It fails with
// ErrPoisoned when a previous holder panicked, unless poison checking has
// been disabled with SetIgnorePoison.
func (l *SpinLock) Lock() error {
	for {
		if atomic.LoadUint32(&l.poison) != 0 && atomic.LoadUint32(&l.ignorePoison) == 0 {
			return ErrPoisoned
		}
		if atomic.CompareAndSwapUint32(&l.state, 0, 1) {
			return nil
		}
		atomic.AddUint64(&l.contentions, 1)
		for i := 0; i < spinBudget; i++ {
			if atomic.LoadUint32(&l.state) == 0 {
				break
			}
		}
		runtime.Gosched()
	}
}

// TryLock attempts a single acquisition without spinning.
func (l *SpinLock) TryLock() (bool, error) {
	if atomic.LoadUint32(&l.poison) != 0 && atomic.LoadUint32(&l.ignorePoison) == 0 {
		return false, ErrPoisoned
	}
	return atomic.CompareAndSwapUint32(&l.state, 0, 1), nil
}

// Unlock releases the lock. Unlocking a free lock is a programming error
// and panics.
func (l *SpinLock) Unlock() {
	if !atomic.CompareAndSwapUint32(&l.state, 1, 0) {
		panic("ksync: unlock of unlocked SpinLock")
	}
}

// Poison marks the lock's guarded data as inconsistent. Subsequent Lock
// calls fail until poison checking is disabled.
func (l *SpinLock) Poison() {
	atomic.StoreUint32(&l.poison, 1)
}

// Poisoned reports whether the lock has been poisoned.
func (l *SpinLock) Poisoned() bool {
	return atomic.LoadUint32(&l.poison) != 0
}

// SetIgnorePoison controls whether Lock treats poison as fatal. Recovery
// boot ignores poison so a wedged subsystem can still be inspected.
func (l *SpinLock) SetIgnorePoison(ignore bool) {
	var v uint32
	if ignore {
		v = 1
	}
	atomic.StoreUint32(&l.ignorePoison, v)
}

// Contentions returns how many acquisitions found the lock held.
func (l *SpinLock) Contentions() uint64 {
	return atomic.LoadUint64(&l.contentions)
}

// ============================================================================
// IRQSpinLock
// ============================================================================

// IRQSpinLock pairs a SpinLock with the processor interrupt gate: the
// critical section runs with interrupts masked and the previous mask is
// restored on release. It must be bound to a processor before use.
type IRQSpinLock struct {
	SpinLock
	cpu        arch.Capability
	wasEnabled bool
}

// Bind attaches the lock to a processor capability.
func (l *IRQSpinLock) Bind(cpu arch.Capability) {
	l.cpu = cpu
}

// LockIRQSave masks interrupts, then acquires the lock. On failure the
// previous interrupt state is restored.
func (l *IRQSpinLock) LockIRQSave() error {
	enabled := l.cpu.InterruptsEnabled()
	l.cpu.DisableInterrupts()
	if err := l.SpinLock.Lock(); err != nil {
		if enabled {
			l.cpu.EnableInterrupts()
		}
		return err
	}
	// Written under the lock; read back by UnlockIRQRestore.
	l.wasEnabled = enabled
	return nil
}

// UnlockIRQRestore releases the lock and restores the interrupt state
// captured by LockIRQSave.
func (l *IRQSpinLock) UnlockIRQRestore() {
	enabled := l.wasEnabled
	l.SpinLock.Unlock()
	if enabled {
		l.cpu.EnableInterrupts()
	}
}
