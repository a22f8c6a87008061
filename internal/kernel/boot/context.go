package boot

import (
	"fmt"
	"math"

	"github.com/multios-project/multios/internal/kernel/arch"
	"github.com/multios-project/multios/internal/kernel/earlymem"
	"github.com/multios-project/multios/internal/kernel/handoff"
	"github.com/multios-project/multios/internal/kernel/interrupt"
	"github.com/multios-project/multios/internal/kernel/ipc"
	"github.com/multios-project/multios/internal/kernel/klog"
	"github.com/multios-project/multios/internal/kernel/sched"
	"github.com/multios-project/multios/internal/kernel/syscall"
)

// maxRecoverableErrors is the error budget under recovery: the third
// stage failure is fatal.
const maxRecoverableErrors = 3

// Context carries bootstrap state between stages. Stage functions fill
// in the subsystem fields as they bring each subsystem up; on
// completion the context is folded into the KernelState singleton.
type Context struct {
	Arch     arch.Arch
	Method   handoff.BootMethod
	Debug    bool
	Recovery bool

	CurrentStage Stage
	StageTrace   []Stage
	ErrorCount   uint8

	Params handoff.BootParams
	Info   *handoff.BootInfo

	CPU        arch.Capability
	bootTick   uint64
	Accounting *earlymem.Accounting
	EarlyHeap  *earlymem.BumpAllocator
	Interrupts *interrupt.Dispatcher
	Scheduler  *sched.Scheduler
	IPC        *ipc.Registry
	Syscalls   *syscall.Dispatcher
}

// NewContext decodes the firmware handoff and parses the command line.
// A malformed handoff fails here, before any kernel state exists.
func NewContext(raw *handoff.RawHandoff) (*Context, error) {
	info, err := handoff.Decode(raw)
	if err != nil {
		return nil, err
	}
	params, err := handoff.ParseCommandLine(info.CommandLine)
	if err != nil {
		return nil, fmt.Errorf("boot command line: %w", err)
	}
	cpu, err := arch.New(params.Arch)
	if err != nil {
		return nil, err
	}
	return &Context{
		Arch:         cpu.Arch(),
		Method:       info.Method,
		Debug:        params.Debug,
		Recovery:     params.Recovery,
		CurrentStage: StageEarlyInit,
		StageTrace:   []Stage{StageEarlyInit},
		Params:       params,
		Info:         info,
		CPU:          cpu,
		bootTick:     cpu.ReadTimestamp(),
	}, nil
}

// Uptime returns monotonic nanoseconds since the context was created,
// which the kernel treats as time since boot.
func (c *Context) Uptime() uint64 {
	return c.CPU.ReadTimestamp() - c.bootTick
}

// enterStage pushes a stage onto the trace and logs the entry with the
// full stack for post-mortem.
func (c *Context) enterStage(s Stage) {
	if c.CurrentStage != s || len(c.StageTrace) == 0 {
		c.StageTrace = append(c.StageTrace, s)
	}
	c.CurrentStage = s
	klog.Infof("boot", "stage %s (trace %v)", s, c.StageTrace)
}

// recordError bumps the saturating error counter.
func (c *Context) recordError() {
	if c.ErrorCount < math.MaxUint8 {
		c.ErrorCount++
	}
}

// canRecover reports whether the sequencer may skip the failed stage.
func (c *Context) canRecover() bool {
	return c.Recovery && c.ErrorCount < maxRecoverableErrors
}
