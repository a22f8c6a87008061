package boot

import (
	"errors"
	"testing"

	"github.com/multios-project/multios/internal/kernel/handoff"
	"github.com/multios-project/multios/internal/kernel/interrupt"
	"github.com/multios-project/multios/internal/kernel/sched"
	"github.com/multios-project/multios/internal/kernel/syscall"
)

func coldBootHandoff(cmdline string) *handoff.RawHandoff {
	return &handoff.RawHandoff{
		Method: "multiboot2",
		MemoryMap: []handoff.MemoryMapEntry{
			{Base: 0x100000, Length: 0x10000000 - 0x100000, Type: handoff.EntryUsable},
			{Base: 0xB8000, Length: 0xC0000 - 0xB8000, Type: handoff.EntryReserved},
		},
		CommandLine: cmdline,
	}
}

func TestStageOrdering(t *testing.T) {
	want := []Stage{
		StageEarlyInit, StageMemoryInit, StageInterruptInit,
		StageArchitectureInit, StageDriverInit, StageSchedulerInit,
		StageUserModeInit, StageComplete,
	}
	s := StageEarlyInit
	for i, w := range want {
		if s != w {
			t.Fatalf("stage %d = %s, want %s", i, s, w)
		}
		next, ok := s.Next()
		if i == len(want)-1 {
			if ok {
				t.Error("Complete has a successor")
			}
			break
		}
		if !ok {
			t.Fatalf("%s has no successor", s)
		}
		s = next
	}
}

func TestColdBootReachesComplete(t *testing.T) {
	resetForTest()
	ks, err := InitializeKernel(coldBootHandoff("arch=x86_64"), Version)
	if err != nil {
		t.Fatalf("InitializeKernel: %v", err)
	}
	if !ks.Initialized() {
		t.Error("initialized flag not set")
	}

	ctx := ks.Context()
	if ctx.CurrentStage != StageComplete {
		t.Errorf("CurrentStage = %s, want Complete", ctx.CurrentStage)
	}
	if ctx.ErrorCount != 0 {
		t.Errorf("ErrorCount = %d, want 0", ctx.ErrorCount)
	}

	snap := ks.Snapshot()
	if snap.Memory.TotalPages != 65280 {
		t.Errorf("TotalPages = %d, want 65280", snap.Memory.TotalPages)
	}
	if snap.Memory.UsedPages+snap.Memory.AvailablePages+snap.Memory.ReservedPages != snap.Memory.TotalPages {
		t.Errorf("memory ledger inconsistent: %+v", snap.Memory)
	}
	if snap.Stage != "Complete" || snap.Version != Version {
		t.Errorf("snapshot header: %+v", snap)
	}

	if _, err := State(); err != nil {
		t.Errorf("State after boot: %v", err)
	}
	if _, err := InitializeKernel(coldBootHandoff(""), Version); err == nil {
		t.Error("second InitializeKernel succeeded")
	}
}

func TestStateBeforeBootFails(t *testing.T) {
	resetForTest()
	if _, err := State(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("State before boot: %v", err)
	}
}

func TestMalformedHandoffCreatesNoState(t *testing.T) {
	resetForTest()
	raw := &handoff.RawHandoff{
		MemoryMap: []handoff.MemoryMapEntry{
			{Base: 0x100000, Length: 0x3000, Type: handoff.EntryUsable},
			{Base: 0x101000, Length: 0x3000, Type: handoff.EntryUsable},
		},
	}
	if _, err := InitializeKernel(raw, Version); !errors.Is(err, handoff.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if _, err := State(); !errors.Is(err, ErrNotInitialized) {
		t.Error("KernelState exists despite malformed handoff")
	}
}

func TestRecoverySkipsFailedDriverInit(t *testing.T) {
	resetForTest()
	raw := coldBootHandoff("recovery=on arch=x86_64")
	raw.Modules = []handoff.Module{{Name: "gpu", Requires: ">= 99.0.0"}}

	ks, err := InitializeKernel(raw, Version)
	if err != nil {
		t.Fatalf("boot with recovery failed: %v", err)
	}
	ctx := ks.Context()
	if ctx.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", ctx.ErrorCount)
	}
	if ctx.CurrentStage != StageComplete {
		t.Errorf("CurrentStage = %s, want Complete", ctx.CurrentStage)
	}
	// The stages after the skipped one still ran.
	if ctx.Scheduler == nil || ctx.Syscalls == nil {
		t.Error("stages after DriverInit did not run")
	}
}

func TestWithoutRecoveryStageFailureAborts(t *testing.T) {
	resetForTest()
	raw := coldBootHandoff("arch=x86_64")
	raw.Modules = []handoff.Module{{Name: "gpu", Requires: ">= 99.0.0"}}

	_, err := InitializeKernel(raw, Version)
	var ie *InitializationError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InitializationError, got %v", err)
	}
	if ie.Stage != StageDriverInit {
		t.Errorf("failed stage = %s, want DriverInit", ie.Stage)
	}
}

func TestThirdFailureIsFatal(t *testing.T) {
	ctx, err := NewContext(coldBootHandoff("recovery=on"))
	if err != nil {
		t.Fatal(err)
	}
	boom := func(*Context) error { return errors.New("boom") }
	seq := NewSequencer()
	seq.Register(StageEarlyInit, boom)
	seq.Register(StageMemoryInit, boom)
	seq.Register(StageInterruptInit, boom)

	err = seq.Execute(ctx)
	var ie *InitializationError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InitializationError, got %v", err)
	}
	if ie.Stage != StageInterruptInit || ctx.ErrorCount != 3 {
		t.Errorf("stage=%s errors=%d, want InterruptInit/3", ie.Stage, ctx.ErrorCount)
	}
}

func TestTwoFailuresStillComplete(t *testing.T) {
	ctx, err := NewContext(coldBootHandoff("recovery=on"))
	if err != nil {
		t.Fatal(err)
	}
	boom := func(*Context) error { return errors.New("boom") }
	seq := NewSequencer()
	seq.Register(StageDriverInit, boom)
	seq.Register(StageUserModeInit, boom)

	if err := seq.Execute(ctx); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ctx.ErrorCount != 2 || ctx.CurrentStage != StageComplete {
		t.Errorf("errors=%d stage=%s, want 2/Complete", ctx.ErrorCount, ctx.CurrentStage)
	}

	// Executing a completed context is idempotent.
	if err := seq.Execute(ctx); err != nil {
		t.Errorf("re-Execute on Complete: %v", err)
	}
	if ctx.ErrorCount != 2 {
		t.Errorf("re-Execute changed error count to %d", ctx.ErrorCount)
	}
}

func TestStageTraceRecordsEveryStage(t *testing.T) {
	ctx, err := NewContext(coldBootHandoff(""))
	if err != nil {
		t.Fatal(err)
	}
	if err := NewSequencer().Execute(ctx); err != nil {
		t.Fatal(err)
	}
	if len(ctx.StageTrace) != int(StageComplete)+1 {
		t.Errorf("trace = %v", ctx.StageTrace)
	}
	if ctx.StageTrace[len(ctx.StageTrace)-1] != StageComplete {
		t.Errorf("trace does not end at Complete: %v", ctx.StageTrace)
	}
}

// TestUnknownSyscallThroughTrapPath exercises the whole gate: trap frame
// in, dispatcher stats and status code out.
func TestUnknownSyscallThroughTrapPath(t *testing.T) {
	resetForTest()
	ks, err := InitializeKernel(coldBootHandoff("arch=x86_64"), Version)
	if err != nil {
		t.Fatal(err)
	}
	ctx := ks.Context()

	before := ctx.Interrupts.Stats().SystemCalls
	frame := &interrupt.TrapFrame{Vector: 0x80, Num: 9999}
	if err := ctx.Interrupts.Dispatch(frame); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if frame.Ret != syscall.StatusNotImplemented {
		t.Errorf("Ret = %d, want %d", frame.Ret, syscall.StatusNotImplemented)
	}
	if got := ctx.Interrupts.Stats().SystemCalls; got != before+1 {
		t.Errorf("system_calls = %d, want %d", got, before+1)
	}
}

// TestSyscallOnSharedVectorAArch64 issues an SVC through the synchronous
// exception vector and expects the demux to route it to the dispatcher.
func TestSyscallOnSharedVectorAArch64(t *testing.T) {
	resetForTest()
	ks, err := InitializeKernel(coldBootHandoff("arch=aarch64"), Version)
	if err != nil {
		t.Fatal(err)
	}
	ctx := ks.Context()

	frame := &interrupt.TrapFrame{
		Vector: 0,
		Cause:  0x15 << 26, // ESR_EL1 EC for SVC from AArch64
		Num:    syscall.NumThreadYield,
	}
	if err := ctx.Interrupts.Dispatch(frame); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if frame.Ret != 0 {
		t.Errorf("Ret = %d, want 0", frame.Ret)
	}
	if !ctx.Scheduler.NeedsReschedule() {
		t.Error("yield did not request a reschedule")
	}
}

// TestTimerQuantumSharesProcessor boots with quantum_ms=10 rr and checks
// two Ready threads both run within 20 ticks.
func TestTimerQuantumSharesProcessor(t *testing.T) {
	resetForTest()
	ks, err := InitializeKernel(coldBootHandoff("quantum_ms=10 policy=rr arch=x86_64"), Version)
	if err != nil {
		t.Fatal(err)
	}
	ctx := ks.Context()

	a, err := ctx.Scheduler.CreateThread("a", 0x401000, 0x7FFF0000, sched.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ctx.Scheduler.CreateThread("b", 0x402000, 0x7FFE0000, sched.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}

	ran := make(map[sched.ThreadID]bool)
	timer := ctx.CPU.TimerVector()
	for tick := 0; tick < 40; tick++ {
		frame := &interrupt.TrapFrame{Vector: timer}
		if err := ctx.Interrupts.Dispatch(frame); err != nil {
			t.Fatal(err)
		}
		if ctx.Scheduler.NeedsReschedule() {
			ctx.Scheduler.Reschedule()
		}
		ran[ctx.Scheduler.Current()] = true
	}
	if !ran[a] || !ran[b] {
		t.Errorf("threads scheduled: %v, want both %d and %d", ran, a, b)
	}
}
