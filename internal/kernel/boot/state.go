package boot

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	semver "github.com/Masterminds/semver/v3"

	"github.com/multios-project/multios/internal/kernel/arch"
	"github.com/multios-project/multios/internal/kernel/earlymem"
	"github.com/multios-project/multios/internal/kernel/handoff"
	"github.com/multios-project/multios/internal/kernel/interrupt"
	"github.com/multios-project/multios/internal/kernel/ipc"
	"github.com/multios-project/multios/internal/kernel/sched"
	"github.com/multios-project/multios/internal/kernel/syscall"
)

// Version is the kernel version boot modules are checked against.
const Version = "0.1.0"

// ErrNotInitialized is returned by accessors called before bootstrap
// completes.
var ErrNotInitialized = errors.New("kernel not initialized")

// KernelState is the process-wide kernel singleton, published exactly
// once when the bootstrap sequencer reaches Complete.
type KernelState struct {
	mutex       sync.RWMutex
	initialized uint32

	bootTime   time.Time
	arch       arch.Arch
	method     handoff.BootMethod
	version    *semver.Version
	stageTrace []Stage
	errorCount uint8

	ctx *Context
}

var (
	globalMutex sync.Mutex
	globalState *KernelState
)

// InitializeKernel decodes the handoff, runs the full bootstrap
// sequence and publishes the singleton. A second call fails.
func InitializeKernel(raw *handoff.RawHandoff, version string) (*KernelState, error) {
	globalMutex.Lock()
	defer globalMutex.Unlock()
	if globalState != nil {
		return nil, errors.New("kernel already initialized")
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("kernel version %q is not semver: %w", version, err)
	}
	ctx, err := NewContext(raw)
	if err != nil {
		return nil, err
	}
	if err := NewDefaultSequencer(version).Execute(ctx); err != nil {
		return nil, err
	}

	ks := &KernelState{
		bootTime:   ctx.Info.BootTime,
		arch:       ctx.Arch,
		method:     ctx.Method,
		version:    v,
		stageTrace: append([]Stage(nil), ctx.StageTrace...),
		errorCount: ctx.ErrorCount,
		ctx:        ctx,
	}
	atomic.StoreUint32(&ks.initialized, 1)
	globalState = ks
	return ks, nil
}

// State returns the singleton, failing cleanly before initialization.
func State() (*KernelState, error) {
	globalMutex.Lock()
	defer globalMutex.Unlock()
	if globalState == nil || !globalState.Initialized() {
		return nil, ErrNotInitialized
	}
	return globalState, nil
}

// Shutdown masks interrupts and drops the singleton so a subsequent
// InitializeKernel performs a warm reboot. Only the simulator takes
// this path; on hardware the kernel never exits.
func Shutdown() {
	globalMutex.Lock()
	defer globalMutex.Unlock()
	if globalState == nil {
		return
	}
	if globalState.ctx != nil && globalState.ctx.CPU != nil {
		globalState.ctx.CPU.DisableInterrupts()
	}
	atomic.StoreUint32(&globalState.initialized, 0)
	globalState = nil
}

// resetForTest drops the singleton so each test boots fresh.
func resetForTest() {
	globalMutex.Lock()
	globalState = nil
	globalMutex.Unlock()
}

// Initialized reports whether bootstrap has completed.
func (k *KernelState) Initialized() bool {
	return atomic.LoadUint32(&k.initialized) == 1
}

// Version returns the kernel version string.
func (k *KernelState) Version() string { return k.version.String() }

// Context exposes the bootstrap context for subsystem access.
func (k *KernelState) Context() *Context { return k.ctx }

// Snapshot is a consistent copy of kernel-wide statistics.
type Snapshot struct {
	Version    string             `json:"version"`
	Arch       string             `json:"arch"`
	Method     string             `json:"boot_method"`
	BootTime   time.Time          `json:"boot_time"`
	UptimeNs   uint64             `json:"uptime_ns"`
	Stage      string             `json:"stage"`
	StageTrace []string           `json:"stage_trace"`
	ErrorCount uint8              `json:"error_count"`
	Memory     earlymem.Stats     `json:"memory"`
	Interrupts interrupt.Stats    `json:"interrupts"`
	Scheduler  sched.Stats        `json:"scheduler"`
	Threads    []sched.ThreadInfo `json:"threads"`
	IPC        ipc.Stats          `json:"ipc"`
	Syscalls   syscall.Stats      `json:"syscalls"`
}

// Snapshot collects current statistics from every subsystem. Subsystems
// skipped by recovery report zero values.
func (k *KernelState) Snapshot() Snapshot {
	k.mutex.RLock()
	defer k.mutex.RUnlock()

	snap := Snapshot{
		Version:    k.version.String(),
		Arch:       k.arch.String(),
		Method:     k.method.String(),
		BootTime:   k.bootTime,
		UptimeNs:   k.ctx.Uptime(),
		Stage:      k.ctx.CurrentStage.String(),
		ErrorCount: k.errorCount,
	}
	for _, s := range k.stageTrace {
		snap.StageTrace = append(snap.StageTrace, s.String())
	}
	if k.ctx.Accounting != nil {
		snap.Memory = k.ctx.Accounting.Stats()
	}
	if k.ctx.Interrupts != nil {
		snap.Interrupts = k.ctx.Interrupts.Stats()
	}
	if k.ctx.Scheduler != nil {
		snap.Scheduler = k.ctx.Scheduler.Stats()
		snap.Threads = k.ctx.Scheduler.Threads()
	}
	if k.ctx.IPC != nil {
		snap.IPC = k.ctx.IPC.Stats()
	}
	if k.ctx.Syscalls != nil {
		snap.Syscalls = k.ctx.Syscalls.Stats()
	}
	return snap
}
