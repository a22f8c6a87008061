package boot

import (
	"errors"
	"fmt"

	"github.com/multios-project/multios/internal/kernel/arch"
	"github.com/multios-project/multios/internal/kernel/earlymem"
	"github.com/multios-project/multios/internal/kernel/handoff"
	"github.com/multios-project/multios/internal/kernel/interrupt"
	"github.com/multios-project/multios/internal/kernel/ipc"
	"github.com/multios-project/multios/internal/kernel/klog"
	"github.com/multios-project/multios/internal/kernel/sched"
	"github.com/multios-project/multios/internal/kernel/syscall"
)

const (
	// kernelFootprintPages approximates the kernel image carve-out
	// charged against the usable pool during MemoryInit.
	kernelFootprintPages = 256

	// earlyHeapPages caps the bump-allocator window.
	earlyHeapPages = 1024

	// User window handed to the syscall layer by UserModeInit.
	userWindowBase = 0x4000_0000
	userWindowSize = 1 << 20
	userStackTop   = userWindowBase + userWindowSize - 16
	userEntryPoint = 0x40_0000
)

// NewDefaultSequencer returns a sequencer with the standard stage
// functions bound. The version string is checked against each boot
// module's requirement during DriverInit.
func NewDefaultSequencer(version string) *Sequencer {
	s := NewSequencer()
	s.Register(StageEarlyInit, stageEarlyInit)
	s.Register(StageMemoryInit, stageMemoryInit)
	s.Register(StageInterruptInit, stageInterruptInit)
	s.Register(StageArchitectureInit, stageArchitectureInit)
	s.Register(StageDriverInit, stageDriverInit(version))
	s.Register(StageSchedulerInit, stageSchedulerInit)
	s.Register(StageUserModeInit, stageUserModeInit)
	return s
}

func stageEarlyInit(ctx *Context) error {
	if ctx.Debug {
		klog.SetLevel(klog.LevelDebug)
	}
	klog.Infof("boot", "MultiOS starting: arch=%s method=%s cmdline=%q",
		ctx.Arch, ctx.Method, ctx.Info.CommandLine)
	if dropped := klog.Dropped(); dropped > 0 {
		klog.Warnf("boot", "%d log messages dropped before console init", dropped)
	}
	return nil
}

func stageMemoryInit(ctx *Context) error {
	acct := earlymem.NewAccounting(ctx.Info)
	if err := acct.Reserve(kernelFootprintPages, "kernel image"); err != nil {
		return err
	}

	window, ok := ctx.Info.LargestUsable()
	if !ok {
		return errors.New("no usable memory for the early heap")
	}
	if window.Length > earlyHeapPages*earlymem.PageSize {
		window.Length = earlyHeapPages * earlymem.PageSize
	}
	heap, err := earlymem.NewBumpAllocator(window, acct)
	if err != nil {
		return err
	}

	ctx.Accounting = acct
	ctx.EarlyHeap = heap
	s := acct.Stats()
	klog.Infof("mem", "%d pages total, %d reserved, early heap [%#x,%#x)",
		s.TotalPages, s.ReservedPages, window.Base, window.End())
	return nil
}

func stageInterruptInit(ctx *Context) error {
	d, err := interrupt.NewDispatcher(ctx.CPU)
	if err != nil {
		return err
	}
	ctx.Interrupts = d
	klog.Infof("irq", "trap vectors installed at %#x", ctx.CPU.TrapVectorBase())
	return nil
}

func stageArchitectureInit(ctx *Context) error {
	if ctx.EarlyHeap == nil {
		return errors.New("early heap unavailable")
	}
	root, err := ctx.EarlyHeap.Alloc(earlymem.PageSize, earlymem.PageSize)
	if err != nil {
		return fmt.Errorf("boot page table: %w", err)
	}
	ctx.CPU.SetPageTableRoot(uintptr(root))
	ctx.CPU.FlushTLBAll()
	ctx.CPU.EnableInterrupts()
	klog.Infof("arch", "%s online, page table root %#x", ctx.Arch, root)
	return nil
}

// stageDriverInit validates boot module version constraints against the
// kernel version.
func stageDriverInit(version string) StageFunc {
	return func(ctx *Context) error {
		compatible, err := handoff.CheckModuleCompat(ctx.Info.Modules, version)
		if err != nil {
			return err
		}
		for _, m := range compatible {
			klog.Infof("driver", "module %s at [%#x,%#x)", m.Name, m.Base, m.Base+m.Length)
		}
		return nil
	}
}

func stageSchedulerInit(ctx *Context) error {
	if ctx.Interrupts == nil {
		return errors.New("interrupt dispatcher unavailable")
	}
	policy, err := sched.ParsePolicy(ctx.Params.Policy)
	if err != nil {
		return err
	}
	sch, err := sched.New(sched.Config{
		Policy:    policy,
		QuantumMs: ctx.Params.QuantumMs,
		Now:       ctx.Uptime,
	})
	if err != nil {
		return err
	}
	ctx.Scheduler = sch

	if err := ctx.Interrupts.Register(ctx.CPU.TimerVector(), ctx.trapDemux); err != nil {
		return fmt.Errorf("timer vector: %w", err)
	}
	klog.Infof("sched", "policy=%s quantum=%dms", policy, ctx.Params.QuantumMs)
	return nil
}

func stageUserModeInit(ctx *Context) error {
	if ctx.Scheduler == nil {
		return errors.New("scheduler unavailable")
	}
	ctx.IPC = ipc.NewRegistry()

	dispatcher, err := syscall.New(syscall.Config{
		Scheduler: ctx.Scheduler,
		Registry:  ctx.IPC,
		Memory:    syscall.NewFlatMemory(userWindowBase, userWindowSize),
		Now:       ctx.Uptime,
	})
	if err != nil {
		return err
	}
	ctx.Syscalls = dispatcher

	// x86_64 has a dedicated syscall gate. On aarch64 system calls and
	// faults arrive on the synchronous exception vector, which the shared
	// demux classifies; riscv64 delivers everything on the stvec entry
	// already wired to the demux during SchedulerInit.
	switch ctx.Arch {
	case arch.ArchX86_64:
		if err := ctx.Interrupts.Register(0x80, dispatcher.Handler()); err != nil {
			return fmt.Errorf("syscall vector: %w", err)
		}
	case arch.ArchAArch64:
		if err := ctx.Interrupts.Register(0, ctx.trapDemux); err != nil {
			return fmt.Errorf("sync exception vector: %w", err)
		}
	}

	id, err := ctx.Scheduler.CreateThread("init", userEntryPoint, userStackTop, sched.PriorityNormal)
	if err != nil {
		return err
	}
	ctx.IPC.RegisterProcess(ipc.ProcessID(id))
	ctx.Scheduler.Reschedule()
	klog.Infof("user", "init thread %d dispatched", id)
	return nil
}

// trapDemux handles the shared trap vector on ports that deliver the
// timer, system calls and faults through a single entry point.
func (c *Context) trapDemux(frame *interrupt.TrapFrame) {
	switch kind := c.CPU.DecodeTrapCause(frame.Cause, frame.Vector); kind {
	case arch.TrapTimer:
		if c.Scheduler != nil {
			c.Scheduler.Tick(1)
		}
	case arch.TrapSystemCall:
		if c.Syscalls != nil {
			c.Syscalls.Handle(frame)
		} else {
			frame.Ret = syscall.StatusNotImplemented
		}
	case arch.TrapExternalIRQ:
		// Acknowledged; no device model behind it yet.
	default:
		klog.Errorf("irq", "unhandled %s on shared vector %d (cause %#x, pc %#x)",
			kind, frame.Vector, frame.Cause, frame.PC)
	}
}
