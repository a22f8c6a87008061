// Package ipc provides the kernel's inter-process communication objects:
// per-process message inboxes plus channels, pipes, semaphores and
// events addressed through a handle registry. Blocking is cooperative,
// waiters are recorded by thread ID and handed back to the caller so the
// scheduler can wake them.
package ipc

import (
	"errors"
	"sync"
)

var (
	// ErrClosed is returned for operations on a closed object.
	ErrClosed = errors.New("ipc object closed")

	// ErrWouldBlock is returned by non-blocking operations that cannot
	// complete immediately.
	ErrWouldBlock = errors.New("operation would block")
)

// ============================================================================
// Byte rings: channels and pipes
// ============================================================================

// ring is a fixed-capacity byte ring buffer.
type ring struct {
	buf   []byte
	head  int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]byte, capacity)}
}

func (r *ring) free() int { return len(r.buf) - r.count }

func (r *ring) write(p []byte) int {
	n := 0
	for n < len(p) && r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = p[n]
		r.count++
		n++
	}
	return n
}

func (r *ring) read(p []byte) int {
	n := 0
	for n < len(p) && r.count > 0 {
		p[n] = r.buf[r.head]
		r.head = (r.head + 1) % len(r.buf)
		r.count--
		n++
	}
	return n
}

// Channel is a byte stream between two endpoints. Writes are
// all-or-nothing so a message is never interleaved with another
// writer's.
type Channel struct {
	mutex  sync.Mutex
	ring   *ring
	closed bool
}

// NewChannel builds a channel holding up to capacity buffered bytes.
func NewChannel(capacity int) *Channel {
	return &Channel{ring: newRing(capacity)}
}

// Write buffers the whole payload or nothing.
func (c *Channel) Write(p []byte) (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	if len(p) > len(c.ring.buf) {
		return 0, errors.New("payload larger than channel capacity")
	}
	if c.ring.free() < len(p) {
		return 0, ErrWouldBlock
	}
	return c.ring.write(p), nil
}

// Read drains up to len(p) buffered bytes. A closed channel still
// returns its residue, then ErrClosed.
func (c *Channel) Read(p []byte) (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	n := c.ring.read(p)
	if n == 0 && c.closed {
		return 0, ErrClosed
	}
	return n, nil
}

// Buffered returns the byte count waiting in the channel.
func (c *Channel) Buffered() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.ring.count
}

// Close marks the channel closed. Pending bytes stay readable.
func (c *Channel) Close() {
	c.mutex.Lock()
	c.closed = true
	c.mutex.Unlock()
}

// PipeFlags control pipe behavior.
type PipeFlags uint32

const (
	// PipeNonBlocking makes short writes return instead of failing.
	PipeNonBlocking PipeFlags = 1 << iota
	// PipeBroken is set once either end hangs up.
	PipeBroken
)

// Pipe is a unidirectional byte stream with partial-write semantics.
type Pipe struct {
	mutex sync.Mutex
	ring  *ring
	flags PipeFlags
}

// NewPipe builds a pipe holding up to capacity buffered bytes.
func NewPipe(capacity int, flags PipeFlags) *Pipe {
	return &Pipe{ring: newRing(capacity), flags: flags &^ PipeBroken}
}

// Write buffers as much of the payload as fits. With PipeNonBlocking a
// short or zero write is returned as-is; otherwise a full buffer is
// ErrWouldBlock.
func (p *Pipe) Write(b []byte) (int, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.flags&PipeBroken != 0 {
		return 0, ErrClosed
	}
	if p.ring.free() == 0 && p.flags&PipeNonBlocking == 0 {
		return 0, ErrWouldBlock
	}
	return p.ring.write(b), nil
}

// Read drains up to len(b) buffered bytes; a broken pipe returns its
// residue, then ErrClosed.
func (p *Pipe) Read(b []byte) (int, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	n := p.ring.read(b)
	if n == 0 && p.flags&PipeBroken != 0 {
		return 0, ErrClosed
	}
	return n, nil
}

// Close breaks the pipe.
func (p *Pipe) Close() {
	p.mutex.Lock()
	p.flags |= PipeBroken
	p.mutex.Unlock()
}

// Flags returns the pipe's current flag set.
func (p *Pipe) Flags() PipeFlags {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.flags
}

// ============================================================================
// Semaphores
// ============================================================================

// Semaphore is a counting semaphore with an explicit waiter queue. A
// failed acquire records the waiter; Release hands the caller the thread
// to wake.
type Semaphore struct {
	mutex   sync.Mutex
	count   uint32
	max     uint32
	waiters []uint64
}

// NewSemaphore builds a semaphore with the given initial and maximum
// counts.
func NewSemaphore(initial, max uint32) (*Semaphore, error) {
	if max == 0 || initial > max {
		return nil, errors.New("semaphore counts out of range")
	}
	return &Semaphore{count: initial, max: max}, nil
}

// Acquire takes one unit. When none is available the waiter thread is
// queued and false is returned; the caller is expected to block.
func (s *Semaphore) Acquire(waiter uint64) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.count > 0 {
		s.count--
		return true
	}
	s.waiters = append(s.waiters, waiter)
	return false
}

// Release returns one unit. When a thread is waiting, the unit is handed
// to it directly and its ID is returned for wakeup.
func (s *Semaphore) Release() (woken uint64, wake bool, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if len(s.waiters) > 0 {
		woken = s.waiters[0]
		s.waiters = s.waiters[1:]
		return woken, true, nil
	}
	if s.count == s.max {
		return 0, false, errors.New("semaphore released above maximum")
	}
	s.count++
	return 0, false, nil
}

// Count returns the available units.
func (s *Semaphore) Count() uint32 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.count
}

// Waiters returns the queued thread count.
func (s *Semaphore) Waiters() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.waiters)
}

// ============================================================================
// Events
// ============================================================================

// Event is a manual- or auto-reset notification. Auto-reset events wake
// one waiter per signal and clear themselves; manual-reset events stay
// signaled until Reset.
type Event struct {
	mutex       sync.Mutex
	manualReset bool
	signaled    bool
	waiters     []uint64
}

// NewEvent builds an event.
func NewEvent(manualReset, initiallySignaled bool) *Event {
	return &Event{manualReset: manualReset, signaled: initiallySignaled}
}

// Wait consumes a signaled event immediately, returning true. Otherwise
// the waiter is queued and false is returned.
func (e *Event) Wait(waiter uint64) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.signaled {
		if !e.manualReset {
			e.signaled = false
		}
		return true
	}
	e.waiters = append(e.waiters, waiter)
	return false
}

// Signal wakes one waiter. With nobody waiting the event latches; a
// manual-reset event also stays signaled for future waiters.
func (e *Event) Signal() (woken []uint64) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if len(e.waiters) > 0 {
		woken = e.waiters[:1:1]
		e.waiters = e.waiters[1:]
		if e.manualReset {
			e.signaled = true
			woken = append(woken, e.waiters...)
			e.waiters = nil
		}
		return woken
	}
	e.signaled = true
	return nil
}

// Broadcast wakes every waiter and, for manual-reset events, leaves the
// event signaled.
func (e *Event) Broadcast() (woken []uint64) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	woken = e.waiters
	e.waiters = nil
	e.signaled = e.manualReset
	return woken
}

// Pulse wakes every waiter without leaving the event signaled.
func (e *Event) Pulse() (woken []uint64) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	woken = e.waiters
	e.waiters = nil
	e.signaled = false
	return woken
}

// Reset clears the signaled state.
func (e *Event) Reset() {
	e.mutex.Lock()
	e.signaled = false
	e.mutex.Unlock()
}

// Signaled reports the latched state.
func (e *Event) Signaled() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.signaled
}
