package syscall

import (
	"bytes"
	"testing"

	"github.com/multios-project/multios/internal/kernel/interrupt"
	"github.com/multios-project/multios/internal/kernel/ipc"
	"github.com/multios-project/multios/internal/kernel/sched"
)

const (
	memBase = 0x10000
	memSize = 0x10000
)

type fixture struct {
	d   *Dispatcher
	s   *sched.Scheduler
	reg *ipc.Registry
	mem *FlatMemory
	pid ipc.ProcessID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := sched.New(sched.Config{Policy: sched.PolicyRoundRobin})
	if err != nil {
		t.Fatal(err)
	}
	id, err := s.CreateThread("init", 0x400000, 0x7FFF0000, sched.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	s.Reschedule()
	if s.Current() != id {
		t.Fatal("init thread not running")
	}

	reg := ipc.NewRegistry()
	reg.RegisterProcess(ipc.ProcessID(id))
	mem := NewFlatMemory(memBase, memSize)

	var clock uint64 = 1000
	d, err := New(Config{
		Scheduler: s,
		Registry:  reg,
		Memory:    mem,
		Now:       func() uint64 { clock += 500; return clock },
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{d: d, s: s, reg: reg, mem: mem, pid: ipc.ProcessID(id)}
}

func (f *fixture) call(t *testing.T, num uint64, args ...uint64) int64 {
	t.Helper()
	frame := &interrupt.TrapFrame{Num: num}
	copy(frame.Args[:], args)
	f.d.Handle(frame)
	return frame.Ret
}

func TestThreadYield(t *testing.T) {
	f := newFixture(t)
	if ret := f.call(t, NumThreadYield); ret != StatusOK {
		t.Fatalf("yield = %d", ret)
	}
	if !f.s.NeedsReschedule() {
		t.Error("yield did not request a reschedule")
	}
	if f.s.Current() != sched.ThreadID(f.pid) {
		t.Error("yield switched threads before the safe point")
	}
}

func TestTimeGetIsMonotonic(t *testing.T) {
	f := newFixture(t)
	first := f.call(t, NumTimeGet)
	second := f.call(t, NumTimeGet)
	if first <= 0 || second <= first {
		t.Errorf("time_get not monotonic: %d then %d", first, second)
	}
}

func TestIPCCreateCalls(t *testing.T) {
	f := newFixture(t)
	ch := f.call(t, NumIPCCreateChannel, 256)
	sem := f.call(t, NumIPCCreateSemaphore, 1, 4)
	pipe := f.call(t, NumIPCCreatePipe, 256, uint64(ipc.PipeNonBlocking))
	ev := f.call(t, NumIPCCreateEvent, 1, 0)
	for i, h := range []int64{ch, sem, pipe, ev} {
		if h <= 0 {
			t.Fatalf("create call %d returned %d", i, h)
		}
	}
	if _, err := f.reg.Semaphore(ipc.Handle(sem)); err != nil {
		t.Errorf("semaphore handle dead: %v", err)
	}

	if ret := f.call(t, NumIPCCreateChannel, 0); ret >= 0 {
		t.Errorf("zero-capacity channel = %d", ret)
	}
}

func TestIPCSendRecvRoundTrip(t *testing.T) {
	f := newFixture(t)
	peer := ipc.ProcessID(900)
	f.reg.RegisterProcess(peer)

	payload := []byte("ping")
	if err := f.mem.WriteBytes(memBase, payload); err != nil {
		t.Fatal(err)
	}
	if ret := f.call(t, NumIPCSend, uint64(peer), uint64(ipc.MsgData), memBase, uint64(len(payload))); ret != StatusOK {
		t.Fatalf("send = %d", ret)
	}

	// Reply path: peer sends to us, we receive into a buffer.
	if err := f.reg.Send(peer, f.pid, ipc.MsgResponse, []byte("pong!")); err != nil {
		t.Fatal(err)
	}
	ret := f.call(t, NumIPCRecv, memBase+0x100, 64)
	if ret != 5 {
		t.Fatalf("recv = %d, want 5", ret)
	}
	got, _ := f.mem.ReadBytes(memBase+0x100, 5)
	if !bytes.Equal(got, []byte("pong!")) {
		t.Errorf("recv buffer = %q", got)
	}
}

func TestIPCSendErrors(t *testing.T) {
	f := newFixture(t)
	if ret := f.call(t, NumIPCSend, 4242, uint64(ipc.MsgData), memBase, 1); ret != StatusNotRegistered {
		t.Errorf("unknown receiver = %d, want %d", ret, StatusNotRegistered)
	}
	if ret := f.call(t, NumIPCSend, uint64(f.pid), uint64(ipc.MsgData), 0, 1); ret != StatusInvalidPointer {
		t.Errorf("null payload = %d, want %d", ret, StatusInvalidPointer)
	}
	if ret := f.call(t, NumIPCSend, uint64(f.pid), 99, memBase, 1); ret != StatusInvalidSyscall {
		t.Errorf("bad message kind = %d, want %d", ret, StatusInvalidSyscall)
	}

	peer := ipc.ProcessID(7)
	f.reg.RegisterProcess(peer)
	for i := 0; i < ipc.InboxCapacity; i++ {
		if err := f.reg.Send(f.pid, peer, ipc.MsgData, []byte{1}); err != nil {
			t.Fatal(err)
		}
	}
	if ret := f.call(t, NumIPCSend, uint64(peer), uint64(ipc.MsgData), memBase, 1); ret != StatusQueueFull {
		t.Errorf("full inbox = %d, want %d", ret, StatusQueueFull)
	}
}

func TestIPCRecvEmptyAndTruncation(t *testing.T) {
	f := newFixture(t)
	if ret := f.call(t, NumIPCRecv, memBase, 64); ret != StatusTimeout {
		t.Errorf("empty inbox = %d, want %d", ret, StatusTimeout)
	}
	if ret := f.call(t, NumIPCRecv, 0, 64); ret != StatusInvalidPointer {
		t.Errorf("null buffer = %d, want %d", ret, StatusInvalidPointer)
	}

	f.reg.RegisterProcess(900)
	if err := f.reg.Send(900, f.pid, ipc.MsgData, []byte("truncate-me")); err != nil {
		t.Fatal(err)
	}
	if ret := f.call(t, NumIPCRecv, memBase, 4); ret != 4 {
		t.Errorf("short buffer recv = %d, want 4", ret)
	}
}

func TestUnknownSyscall(t *testing.T) {
	f := newFixture(t)
	if ret := f.call(t, 9999); ret != StatusNotImplemented {
		t.Errorf("unknown number = %d, want %d", ret, StatusNotImplemented)
	}
}

func TestDispatcherStats(t *testing.T) {
	f := newFixture(t)
	f.call(t, NumThreadYield)
	f.call(t, NumThreadYield)
	f.call(t, 9999)

	s := f.d.Stats()
	if s.Total != 3 || s.Errors != 1 {
		t.Errorf("stats: %+v", s)
	}
	if s.ByNumber[NumThreadYield] != 2 {
		t.Errorf("per-number count: %+v", s.ByNumber)
	}
	if s.LastNum != 9999 {
		t.Errorf("LastNum = %d", s.LastNum)
	}
}
