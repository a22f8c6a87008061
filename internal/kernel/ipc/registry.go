package ipc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/multios-project/multios/internal/kernel/klog"
)

// InboxCapacity is the per-process message queue depth. A send to a full
// inbox drops the new message rather than displacing queued ones.
const InboxCapacity = 64

// MaxMessageSize bounds a single message payload.
const MaxMessageSize = 4096

var (
	// ErrNotRegistered is returned when the target process is unknown.
	ErrNotRegistered = errors.New("process not registered")

	// ErrQueueFull is returned when the receiver's inbox is full and the
	// message was dropped.
	ErrQueueFull = errors.New("message queue full")

	// ErrBadHandle is returned for an unknown or foreign handle.
	ErrBadHandle = errors.New("bad ipc handle")
)

// ProcessID identifies a registered process.
type ProcessID uint64

// Handle identifies an IPC object in the registry.
type Handle uint32

// MessageKind classifies an inbox entry.
type MessageKind uint8

const (
	MsgSignal MessageKind = iota
	MsgData
	MsgEvent
	MsgRequest
	MsgResponse

	msgKindCount
)

func (k MessageKind) String() string {
	switch k {
	case MsgSignal:
		return "signal"
	case MsgData:
		return "data"
	case MsgEvent:
		return "event"
	case MsgRequest:
		return "request"
	case MsgResponse:
		return "response"
	default:
		return fmt.Sprintf("msg(%d)", uint8(k))
	}
}

// Valid reports whether the kind is one of the defined message kinds.
func (k MessageKind) Valid() bool { return k < msgKindCount }

// Message is one inbox entry.
type Message struct {
	Kind MessageKind
	From ProcessID
	Data []byte
}

// ObjectKind tags a registry object.
type ObjectKind uint8

const (
	KindChannel ObjectKind = iota
	KindSemaphore
	KindPipe
	KindEvent
)

func (k ObjectKind) String() string {
	switch k {
	case KindChannel:
		return "channel"
	case KindSemaphore:
		return "semaphore"
	case KindPipe:
		return "pipe"
	case KindEvent:
		return "event"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// object is one registry slot. Exactly one of the payload fields is set,
// matching kind.
type object struct {
	kind      ObjectKind
	owner     ProcessID
	channel   *Channel
	semaphore *Semaphore
	pipe      *Pipe
	event     *Event
}

type process struct {
	pid           ProcessID
	inbox         []Message
	signalHandler uint64
	handles       map[Handle]struct{}
}

// Stats counts registry activity. IPCErrors counts dropped sends and
// rejected operations.
type Stats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	MessagesDropped  uint64
	IPCErrors        uint64
	ActiveProcesses  int
	ActiveObjects    int
}

// Registry is the kernel-wide IPC namespace: processes, their inboxes
// and the handle table.
type Registry struct {
	mutex      sync.RWMutex
	processes  map[ProcessID]*process
	objects    map[Handle]*object
	nextHandle Handle
	stats      Stats
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		processes:  make(map[ProcessID]*process),
		objects:    make(map[Handle]*object),
		nextHandle: 1,
	}
}

// RegisterProcess adds a process to the namespace. Re-registering is
// idempotent and only logged, so a restarted service does not fault.
func (r *Registry) RegisterProcess(pid ProcessID) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.processes[pid]; ok {
		klog.Warnf("ipc", "process %d already registered", pid)
		return
	}
	r.processes[pid] = &process{
		pid:     pid,
		inbox:   make([]Message, 0, InboxCapacity),
		handles: make(map[Handle]struct{}),
	}
}

// UnregisterProcess removes a process and closes every object it owns.
// Unregistering an unknown process is logged, not fatal.
func (r *Registry) UnregisterProcess(pid ProcessID) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	p, ok := r.processes[pid]
	if !ok {
		klog.Warnf("ipc", "unregister of unknown process %d ignored", pid)
		return
	}
	for h := range p.handles {
		r.closeLocked(h)
	}
	delete(r.processes, pid)
}

// Registered reports whether a process is in the namespace.
func (r *Registry) Registered(pid ProcessID) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	_, ok := r.processes[pid]
	return ok
}

// SetSignalHandler records the process's signal entry point.
func (r *Registry) SetSignalHandler(pid ProcessID, entry uint64) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	p, ok := r.processes[pid]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotRegistered, pid)
	}
	p.signalHandler = entry
	return nil
}

// SignalHandler returns the process's signal entry point, zero when
// unset.
func (r *Registry) SignalHandler(pid ProcessID) (uint64, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	p, ok := r.processes[pid]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrNotRegistered, pid)
	}
	return p.signalHandler, nil
}

// ============================================================================
// Messaging
// ============================================================================

// Send queues a message on the receiver's inbox. When the inbox is full
// the new message is dropped and ErrQueueFull returned; queued messages
// are never displaced. The sender never blocks.
func (r *Registry) Send(from, to ProcessID, kind MessageKind, data []byte) error {
	if !kind.Valid() {
		r.countError()
		return fmt.Errorf("invalid message kind %d", kind)
	}
	if len(data) > MaxMessageSize {
		r.countError()
		return fmt.Errorf("message of %d bytes exceeds limit %d", len(data), MaxMessageSize)
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	p, ok := r.processes[to]
	if !ok {
		r.stats.IPCErrors++
		return fmt.Errorf("%w: %d", ErrNotRegistered, to)
	}
	if len(p.inbox) >= InboxCapacity {
		r.stats.IPCErrors++
		r.stats.MessagesDropped++
		return fmt.Errorf("%w: process %d", ErrQueueFull, to)
	}
	msg := Message{Kind: kind, From: from, Data: append([]byte(nil), data...)}
	p.inbox = append(p.inbox, msg)
	r.stats.MessagesSent++
	return nil
}

// Receive pops the oldest message from the process's inbox. ok is false
// when the inbox is empty.
func (r *Registry) Receive(pid ProcessID) (msg Message, ok bool, err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	p, found := r.processes[pid]
	if !found {
		r.stats.IPCErrors++
		return Message{}, false, fmt.Errorf("%w: %d", ErrNotRegistered, pid)
	}
	if len(p.inbox) == 0 {
		return Message{}, false, nil
	}
	msg = p.inbox[0]
	p.inbox = p.inbox[1:]
	r.stats.MessagesReceived++
	return msg, true, nil
}

// Pending returns the inbox depth for a process.
func (r *Registry) Pending(pid ProcessID) (int, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	p, ok := r.processes[pid]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrNotRegistered, pid)
	}
	return len(p.inbox), nil
}

// ============================================================================
// Handle table
// ============================================================================

// CreateChannel allocates a channel owned by pid.
func (r *Registry) CreateChannel(pid ProcessID, capacity int) (Handle, error) {
	if capacity <= 0 || capacity > MaxMessageSize*16 {
		return 0, fmt.Errorf("channel capacity %d out of range", capacity)
	}
	return r.insert(pid, &object{kind: KindChannel, channel: NewChannel(capacity)})
}

// CreateSemaphore allocates a counting semaphore owned by pid.
func (r *Registry) CreateSemaphore(pid ProcessID, initial, max uint32) (Handle, error) {
	sem, err := NewSemaphore(initial, max)
	if err != nil {
		return 0, err
	}
	return r.insert(pid, &object{kind: KindSemaphore, semaphore: sem})
}

// CreatePipe allocates a pipe owned by pid.
func (r *Registry) CreatePipe(pid ProcessID, capacity int, flags PipeFlags) (Handle, error) {
	if capacity <= 0 || capacity > MaxMessageSize*16 {
		return 0, fmt.Errorf("pipe capacity %d out of range", capacity)
	}
	return r.insert(pid, &object{kind: KindPipe, pipe: NewPipe(capacity, flags)})
}

// CreateEvent allocates an event owned by pid.
func (r *Registry) CreateEvent(pid ProcessID, manualReset, initiallySignaled bool) (Handle, error) {
	return r.insert(pid, &object{kind: KindEvent, event: NewEvent(manualReset, initiallySignaled)})
}

func (r *Registry) insert(pid ProcessID, obj *object) (Handle, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	p, ok := r.processes[pid]
	if !ok {
		r.stats.IPCErrors++
		return 0, fmt.Errorf("%w: %d", ErrNotRegistered, pid)
	}
	h := r.nextHandle
	r.nextHandle++
	obj.owner = pid
	r.objects[h] = obj
	p.handles[h] = struct{}{}
	return h, nil
}

// Close releases a handle. Only the owner may close it; the underlying
// channel or pipe is shut down so peers see end-of-stream.
func (r *Registry) Close(pid ProcessID, h Handle) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	obj, ok := r.objects[h]
	if !ok || obj.owner != pid {
		r.stats.IPCErrors++
		return fmt.Errorf("%w: %d", ErrBadHandle, h)
	}
	if p, ok := r.processes[pid]; ok {
		delete(p.handles, h)
	}
	r.closeLocked(h)
	return nil
}

// closeLocked must be called with the mutex held.
func (r *Registry) closeLocked(h Handle) {
	obj, ok := r.objects[h]
	if !ok {
		return
	}
	switch obj.kind {
	case KindChannel:
		obj.channel.Close()
	case KindPipe:
		obj.pipe.Close()
	}
	delete(r.objects, h)
}

// Channel resolves a channel handle.
func (r *Registry) Channel(h Handle) (*Channel, error) {
	obj, err := r.lookup(h, KindChannel)
	if err != nil {
		return nil, err
	}
	return obj.channel, nil
}

// Semaphore resolves a semaphore handle.
func (r *Registry) Semaphore(h Handle) (*Semaphore, error) {
	obj, err := r.lookup(h, KindSemaphore)
	if err != nil {
		return nil, err
	}
	return obj.semaphore, nil
}

// Pipe resolves a pipe handle.
func (r *Registry) Pipe(h Handle) (*Pipe, error) {
	obj, err := r.lookup(h, KindPipe)
	if err != nil {
		return nil, err
	}
	return obj.pipe, nil
}

// Event resolves an event handle.
func (r *Registry) Event(h Handle) (*Event, error) {
	obj, err := r.lookup(h, KindEvent)
	if err != nil {
		return nil, err
	}
	return obj.event, nil
}

func (r *Registry) lookup(h Handle, kind ObjectKind) (*object, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	obj, ok := r.objects[h]
	if !ok {
		r.stats.IPCErrors++
		return nil, fmt.Errorf("%w: %d", ErrBadHandle, h)
	}
	if obj.kind != kind {
		r.stats.IPCErrors++
		return nil, fmt.Errorf("%w: %d is a %s, not a %s", ErrBadHandle, h, obj.kind, kind)
	}
	return obj, nil
}

func (r *Registry) countError() {
	r.mutex.Lock()
	r.stats.IPCErrors++
	r.mutex.Unlock()
}

// Stats returns a snapshot of registry counters.
func (r *Registry) Stats() Stats {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	s := r.stats
	s.ActiveProcesses = len(r.processes)
	s.ActiveObjects = len(r.objects)
	return s
}
