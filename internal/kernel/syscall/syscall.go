// Package syscall implements the system call dispatcher. Requests arrive
// as trap frames from the interrupt layer; the number selects the
// service and up to six arguments are read from the frame. Results are
// returned in the frame, negative values are status codes.
package syscall

import (
	"errors"
	"sync"

	"github.com/multios-project/multios/internal/kernel/interrupt"
	"github.com/multios-project/multios/internal/kernel/ipc"
	"github.com/multios-project/multios/internal/kernel/sched"
)

// System call numbers.
const (
	NumThreadYield        = 60
	NumTimeGet            = 73
	NumIPCCreateChannel   = 100
	NumIPCCreateSemaphore = 101
	NumIPCCreatePipe      = 102
	NumIPCCreateEvent     = 103
	NumIPCSend            = 110
	NumIPCRecv            = 111
)

// Status codes returned in the frame. Non-negative values are success
// payloads (handles, byte counts).
const (
	StatusOK             int64 = 0
	StatusInvalidSyscall int64 = -1
	StatusInvalidPointer int64 = -2
	StatusNotRegistered  int64 = -3
	StatusQueueFull      int64 = -4
	StatusNotImplemented int64 = -5
	StatusTimeout        int64 = -6
)

// defaultSemaphoreMax caps a semaphore created without an explicit
// maximum.
const defaultSemaphoreMax = 1 << 30

// MemoryAccessor moves data across the user/kernel boundary. Any failed
// access maps to StatusInvalidPointer.
type MemoryAccessor interface {
	ReadBytes(addr uint64, n int) ([]byte, error)
	WriteBytes(addr uint64, data []byte) error
}

// Stats counts dispatcher activity per syscall number.
type Stats struct {
	Total    uint64
	Errors   uint64
	ByNumber map[uint64]uint64
	LastNum  uint64
}

// Dispatcher services system calls against the scheduler, the IPC
// registry and user memory. The running thread's ID doubles as its
// process ID.
type Dispatcher struct {
	mutex sync.Mutex
	sched *sched.Scheduler
	reg   *ipc.Registry
	mem   MemoryAccessor
	now   func() uint64
	stats Stats
}

// Config wires the dispatcher's dependencies. Now supplies monotonic
// nanoseconds for time_get.
type Config struct {
	Scheduler *sched.Scheduler
	Registry  *ipc.Registry
	Memory    MemoryAccessor
	Now       func() uint64
}

// New builds a dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Scheduler == nil || cfg.Registry == nil || cfg.Memory == nil || cfg.Now == nil {
		return nil, errors.New("syscall dispatcher config incomplete")
	}
	return &Dispatcher{
		sched: cfg.Scheduler,
		reg:   cfg.Registry,
		mem:   cfg.Memory,
		now:   cfg.Now,
		stats: Stats{ByNumber: make(map[uint64]uint64)},
	}, nil
}

// Handler adapts the dispatcher for registration on the syscall vector.
func (d *Dispatcher) Handler() interrupt.Handler {
	return func(frame *interrupt.TrapFrame) { d.Handle(frame) }
}

// Handle services one system call frame, storing the result in Ret.
func (d *Dispatcher) Handle(frame *interrupt.TrapFrame) {
	ret := d.invoke(frame)
	frame.Ret = ret

	d.mutex.Lock()
	d.stats.Total++
	d.stats.ByNumber[frame.Num]++
	d.stats.LastNum = frame.Num
	if ret < 0 {
		d.stats.Errors++
	}
	d.mutex.Unlock()
}

func (d *Dispatcher) invoke(frame *interrupt.TrapFrame) int64 {
	pid := ipc.ProcessID(d.sched.Current())
	args := frame.Args

	switch frame.Num {
	case NumThreadYield:
		d.sched.YieldCurrentThread()
		return StatusOK

	case NumTimeGet:
		// Monotonic nanoseconds since boot, returned in the result
		// register.
		return int64(d.now())

	case NumIPCCreateChannel:
		h, err := d.reg.CreateChannel(pid, int(args[0]))
		return handleResult(h, err)

	case NumIPCCreateSemaphore:
		max := uint32(args[1])
		if max == 0 {
			max = defaultSemaphoreMax
		}
		h, err := d.reg.CreateSemaphore(pid, uint32(args[0]), max)
		return handleResult(h, err)

	case NumIPCCreatePipe:
		h, err := d.reg.CreatePipe(pid, int(args[0]), ipc.PipeFlags(args[1]))
		return handleResult(h, err)

	case NumIPCCreateEvent:
		h, err := d.reg.CreateEvent(pid, args[0] != 0, args[1] != 0)
		return handleResult(h, err)

	case NumIPCSend:
		to := ipc.ProcessID(args[0])
		kind := ipc.MessageKind(args[1])
		if !kind.Valid() {
			return StatusInvalidSyscall
		}
		if args[2] == 0 {
			return StatusInvalidPointer
		}
		data, err := d.mem.ReadBytes(args[2], int(args[3]))
		if err != nil {
			return StatusInvalidPointer
		}
		return statusFor(d.reg.Send(pid, to, kind, data))

	case NumIPCRecv:
		if args[0] == 0 {
			return StatusInvalidPointer
		}
		msg, ok, err := d.reg.Receive(pid)
		if err != nil {
			return statusFor(err)
		}
		if !ok {
			return StatusTimeout
		}
		n := len(msg.Data)
		if uint64(n) > args[1] {
			n = int(args[1])
		}
		if err := d.mem.WriteBytes(args[0], msg.Data[:n]); err != nil {
			return StatusInvalidPointer
		}
		return int64(n)

	default:
		// The contract reserves NotImplemented for unknown numbers so a
		// newer userland degrades gracefully on an older kernel.
		return StatusNotImplemented
	}
}

// handleResult folds a handle allocation into a frame result.
func handleResult(h ipc.Handle, err error) int64 {
	if err != nil {
		return statusFor(err)
	}
	return int64(h)
}

// statusFor maps registry errors to frame status codes.
func statusFor(err error) int64 {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ipc.ErrNotRegistered):
		return StatusNotRegistered
	case errors.Is(err, ipc.ErrQueueFull):
		return StatusQueueFull
	default:
		return StatusInvalidSyscall
	}
}

// Stats returns a snapshot of dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	s := d.stats
	s.ByNumber = make(map[uint64]uint64, len(d.stats.ByNumber))
	for k, v := range d.stats.ByNumber {
		s.ByNumber[k] = v
	}
	return s
}
