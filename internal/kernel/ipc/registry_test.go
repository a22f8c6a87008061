package ipc

import (
	"bytes"
	"errors"
	"testing"
)

func TestRegisterIsIdempotent(t *testing.T) {
	r := NewRegistry()
	r.RegisterProcess(1)
	r.RegisterProcess(1)
	if got := r.Stats().ActiveProcesses; got != 1 {
		t.Errorf("ActiveProcesses = %d, want 1", got)
	}
	if !r.Registered(1) || r.Registered(2) {
		t.Error("registration state wrong")
	}
}

func TestUnregisterIsNonFatalAndReleasesHandles(t *testing.T) {
	r := NewRegistry()
	r.UnregisterProcess(99) // unknown, must not fault

	r.RegisterProcess(1)
	h, err := r.CreateChannel(1, 128)
	if err != nil {
		t.Fatal(err)
	}
	r.UnregisterProcess(1)
	if _, err := r.Channel(h); !errors.Is(err, ErrBadHandle) {
		t.Errorf("handle survived owner unregister: %v", err)
	}
	if got := r.Stats().ActiveObjects; got != 0 {
		t.Errorf("ActiveObjects = %d, want 0", got)
	}
}

func TestSendReceive(t *testing.T) {
	r := NewRegistry()
	r.RegisterProcess(1)
	r.RegisterProcess(2)

	if err := r.Send(1, 2, MsgData, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg, ok, err := r.Receive(2)
	if err != nil || !ok {
		t.Fatalf("Receive: ok=%v err=%v", ok, err)
	}
	if msg.From != 1 || !bytes.Equal(msg.Data, []byte("hello")) {
		t.Errorf("message = %+v", msg)
	}

	if _, ok, err := r.Receive(2); ok || err != nil {
		t.Errorf("empty inbox: ok=%v err=%v", ok, err)
	}
}

func TestSendToUnknownProcess(t *testing.T) {
	r := NewRegistry()
	r.RegisterProcess(1)
	if err := r.Send(1, 42, MsgData, []byte("x")); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
	if got := r.Stats().IPCErrors; got != 1 {
		t.Errorf("IPCErrors = %d, want 1", got)
	}
}

func TestFullInboxDropsNewest(t *testing.T) {
	r := NewRegistry()
	r.RegisterProcess(1)
	r.RegisterProcess(2)

	for i := 0; i < InboxCapacity; i++ {
		if err := r.Send(1, 2, MsgData, []byte{byte(i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := r.Send(1, 2, MsgData, []byte{0xEE}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	s := r.Stats()
	if s.MessagesDropped != 1 || s.IPCErrors != 1 {
		t.Errorf("drop accounting: %+v", s)
	}

	// The queued messages survive in order; the overflow one is gone.
	msg, ok, err := r.Receive(2)
	if err != nil || !ok || msg.Data[0] != 0 {
		t.Errorf("head after overflow: %+v ok=%v err=%v", msg, ok, err)
	}
	if n, _ := r.Pending(2); n != InboxCapacity-1 {
		t.Errorf("Pending = %d, want %d", n, InboxCapacity-1)
	}
}

func TestOversizeMessageRejected(t *testing.T) {
	r := NewRegistry()
	r.RegisterProcess(1)
	r.RegisterProcess(2)
	if err := r.Send(1, 2, MsgData, make([]byte, MaxMessageSize+1)); err == nil {
		t.Error("oversize message accepted")
	}
}

func TestHandleLifecycle(t *testing.T) {
	r := NewRegistry()
	r.RegisterProcess(1)

	ch, err := r.CreateChannel(1, 64)
	if err != nil {
		t.Fatal(err)
	}
	sem, err := r.CreateSemaphore(1, 1, 4)
	if err != nil {
		t.Fatal(err)
	}
	pipe, err := r.CreatePipe(1, 64, PipeNonBlocking)
	if err != nil {
		t.Fatal(err)
	}
	ev, err := r.CreateEvent(1, false, false)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.Channel(ch); err != nil {
		t.Errorf("Channel: %v", err)
	}
	if _, err := r.Semaphore(sem); err != nil {
		t.Errorf("Semaphore: %v", err)
	}
	if _, err := r.Pipe(pipe); err != nil {
		t.Errorf("Pipe: %v", err)
	}
	if _, err := r.Event(ev); err != nil {
		t.Errorf("Event: %v", err)
	}

	// Kind confusion is a bad handle.
	if _, err := r.Channel(sem); !errors.Is(err, ErrBadHandle) {
		t.Errorf("kind-confused lookup: %v", err)
	}

	// Only the owner may close.
	r.RegisterProcess(2)
	if err := r.Close(2, ch); !errors.Is(err, ErrBadHandle) {
		t.Errorf("foreign close: %v", err)
	}
	if err := r.Close(1, ch); err != nil {
		t.Errorf("owner close: %v", err)
	}
	if _, err := r.Channel(ch); !errors.Is(err, ErrBadHandle) {
		t.Errorf("closed handle resolvable: %v", err)
	}
}

func TestCreateRequiresRegistration(t *testing.T) {
	r := NewRegistry()
	if _, err := r.CreateChannel(7, 64); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("CreateChannel for unknown process: %v", err)
	}
}

func TestSignalHandler(t *testing.T) {
	r := NewRegistry()
	r.RegisterProcess(1)
	if err := r.SetSignalHandler(1, 0x400100); err != nil {
		t.Fatal(err)
	}
	entry, err := r.SignalHandler(1)
	if err != nil || entry != 0x400100 {
		t.Errorf("SignalHandler = %#x, %v", entry, err)
	}
	if err := r.SetSignalHandler(9, 1); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("SetSignalHandler unknown process: %v", err)
	}
}
