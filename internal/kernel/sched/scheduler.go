package sched

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multios-project/multios/internal/kernel/handoff"
	"github.com/multios-project/multios/internal/kernel/klog"
)

// Policy selects the dispatch algorithm.
type Policy uint8

const (
	PolicyRoundRobin Policy = iota
	PolicyPriority
	PolicyFCFS
	PolicyShortestJobFirst
	PolicyMultilevelFeedback
)

// String returns the command-line spelling of the policy.
func (p Policy) String() string {
	switch p {
	case PolicyPriority:
		return handoff.PolicyPriority
	case PolicyFCFS:
		return handoff.PolicyFCFS
	case PolicyShortestJobFirst:
		return handoff.PolicyShortestJobFirst
	case PolicyMultilevelFeedback:
		return handoff.PolicyMultilevelFeedback
	default:
		return handoff.PolicyRoundRobin
	}
}

// ParsePolicy maps a command-line policy value to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case handoff.PolicyRoundRobin:
		return PolicyRoundRobin, nil
	case handoff.PolicyPriority:
		return PolicyPriority, nil
	case handoff.PolicyFCFS:
		return PolicyFCFS, nil
	case handoff.PolicyShortestJobFirst:
		return PolicyShortestJobFirst, nil
	case handoff.PolicyMultilevelFeedback:
		return PolicyMultilevelFeedback, nil
	default:
		return PolicyRoundRobin, fmt.Errorf("unknown scheduler policy %q", s)
	}
}

// ErrUnknownThread is returned for operations on a thread ID the
// scheduler has never seen.
var ErrUnknownThread = errors.New("unknown thread")

// idleStackTop is the synthetic stack pointer given to the idle thread.
const idleStackTop = 0xFFFF_F000

// Stats is a snapshot of scheduler activity.
type Stats struct {
	Policy          Policy
	ThreadsCreated  uint64
	ContextSwitches uint64
	Preemptions     uint64
	Yields          uint64
	Ticks           uint64
	ReadyThreads    int
	BlockedThreads  int
	CurrentThread   ThreadID
}

// Config carries the scheduler's boot parameters. QuantumMs is the
// round-robin slice; priority-aware policies use the per-band table.
// Now supplies monotonic nanoseconds and defaults to the wall clock.
type Config struct {
	Policy    Policy
	QuantumMs uint32
	Now       func() uint64
}

// Scheduler is the processor-local scheduler core.
type Scheduler struct {
	mutex     sync.Mutex
	policy    Policy
	quantumMs uint32
	now       func() uint64

	threads map[ThreadID]*TCB
	queues  [priorityCount][]*TCB
	current *TCB
	idle    *TCB
	nextID  ThreadID
	seq     uint64

	needResched uint32
	stats       Stats
}

// New builds a scheduler whose only runnable thread is the idle thread.
func New(cfg Config) (*Scheduler, error) {
	if cfg.QuantumMs == 0 {
		cfg.QuantumMs = handoff.DefaultQuantumMs
	}
	if cfg.QuantumMs < handoff.MinQuantumMs || cfg.QuantumMs > handoff.MaxQuantumMs {
		return nil, fmt.Errorf("quantum %dms outside [%d, %d]",
			cfg.QuantumMs, handoff.MinQuantumMs, handoff.MaxQuantumMs)
	}
	if cfg.Now == nil {
		start := time.Now()
		cfg.Now = func() uint64 { return uint64(time.Since(start)) }
	}

	s := &Scheduler{
		policy:    cfg.Policy,
		quantumMs: cfg.QuantumMs,
		now:       cfg.Now,
		threads:   make(map[ThreadID]*TCB),
		nextID:    IdleThreadID + 1,
	}
	s.idle = &TCB{
		ID:        IdleThreadID,
		Name:      "idle",
		State:     StateRunning,
		Priority:  PriorityIdle,
		band:      PriorityIdle,
		SP:        idleStackTop,
		CreatedAt: s.now(),
	}
	s.threads[IdleThreadID] = s.idle
	s.current = s.idle
	s.stats.Policy = cfg.Policy
	return s, nil
}

// CreateThread registers a new thread and makes it runnable. The stack
// pointer is not validated here; a bad one is caught at switch-in.
func (s *Scheduler) CreateThread(name string, pc, sp uint64, prio Priority) (ThreadID, error) {
	if !prio.Valid() {
		return 0, fmt.Errorf("invalid priority %d", prio)
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	id := s.nextID
	s.nextID++
	t := &TCB{
		ID:        id,
		Name:      name,
		State:     StateReady,
		Priority:  prio,
		band:      prio,
		PC:        pc,
		SP:        sp,
		CreatedAt: s.now(),
	}
	s.threads[id] = t
	s.enqueue(t)
	s.stats.ThreadsCreated++
	switch {
	case s.current == s.idle:
		atomic.StoreUint32(&s.needResched, 1)
	case s.policy == PolicyPriority || s.policy == PolicyMultilevelFeedback:
		if t.band > s.current.band {
			atomic.StoreUint32(&s.needResched, 1)
		}
	}
	return id, nil
}

// enqueue must be called with the mutex held.
func (s *Scheduler) enqueue(t *TCB) {
	t.State = StateReady
	t.enqueueSeq = s.seq
	s.seq++
	s.queues[t.band] = append(s.queues[t.band], t)
}

// dequeue removes t from its band. Must be called with the mutex held.
func (s *Scheduler) dequeue(t *TCB) {
	q := s.queues[t.band]
	for i, cand := range q {
		if cand == t {
			s.queues[t.band] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// pickNext pops the next runnable thread per the active policy, nil when
// every queue is empty. Must be called with the mutex held.
func (s *Scheduler) pickNext() *TCB {
	switch s.policy {
	case PolicyPriority, PolicyMultilevelFeedback:
		for band := int(priorityCount) - 1; band >= 0; band-- {
			if q := s.queues[band]; len(q) > 0 {
				t := q[0]
				s.queues[band] = q[1:]
				return t
			}
		}
		return nil

	case PolicyShortestJobFirst:
		var best *TCB
		for band := range s.queues {
			for _, t := range s.queues[band] {
				if best == nil ||
					t.BurstEstimateMs < best.BurstEstimateMs ||
					(t.BurstEstimateMs == best.BurstEstimateMs && t.enqueueSeq < best.enqueueSeq) {
					best = t
				}
			}
		}
		if best != nil {
			s.dequeue(best)
		}
		return best

	default:
		// Round-robin and FCFS: global FIFO across bands.
		var best *TCB
		for band := range s.queues {
			if q := s.queues[band]; len(q) > 0 {
				if best == nil || q[0].enqueueSeq < best.enqueueSeq {
					best = q[0]
				}
			}
		}
		if best != nil {
			s.dequeue(best)
		}
		return best
	}
}

// Tick charges the running thread for elapsed time. On quantum expiry it
// requests a reschedule; FCFS threads run until they block or yield. The
// switch itself happens later, at a safe point.
func (s *Scheduler) Tick(elapsedMs uint32) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.stats.Ticks++

	t := s.current
	if t == s.idle {
		return
	}
	t.CPUTimeMs += uint64(elapsedMs)
	t.burstMs += uint64(elapsedMs)

	if s.policy == PolicyFCFS {
		return
	}
	if t.QuantumLeftMs > elapsedMs {
		t.QuantumLeftMs -= elapsedMs
		return
	}
	t.QuantumLeftMs = 0
	s.stats.Preemptions++
	atomic.StoreUint32(&s.needResched, 1)

	// A thread that burns its whole slice drops one feedback band.
	if s.policy == PolicyMultilevelFeedback && t.band > PriorityLow {
		t.band--
	}
}

// YieldCurrentThread requests a reschedule without switching. The
// running thread keeps the processor until the next safe point.
func (s *Scheduler) YieldCurrentThread() {
	s.mutex.Lock()
	s.stats.Yields++
	s.mutex.Unlock()
	atomic.StoreUint32(&s.needResched, 1)
}

// RequestReschedule marks the current context stale, used by wakeups
// from interrupt handlers.
func (s *Scheduler) RequestReschedule() {
	atomic.StoreUint32(&s.needResched, 1)
}

// NeedsReschedule reports whether a reschedule request is pending.
func (s *Scheduler) NeedsReschedule() bool {
	return atomic.LoadUint32(&s.needResched) == 1
}

// Block transitions a thread to Blocked. Blocking the running thread
// forces a switch at the next safe point.
func (s *Scheduler) Block(id ThreadID) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownThread, id)
	}
	if t == s.idle {
		return errors.New("idle thread cannot block")
	}
	switch t.State {
	case StateTerminated:
		return fmt.Errorf("thread %d is terminated", id)
	case StateBlocked:
		return nil
	case StateReady:
		s.dequeue(t)
	}
	t.State = StateBlocked
	if t == s.current {
		atomic.StoreUint32(&s.needResched, 1)
	}
	return nil
}

// Wake makes a blocked thread runnable again. Under MLFQ a wakeup
// restores the thread's base band, favoring interactive work. A wakeup
// into a higher band than the running thread preempts it.
func (s *Scheduler) Wake(id ThreadID) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownThread, id)
	}
	if t.State != StateBlocked {
		return fmt.Errorf("thread %d is %s, not blocked", id, t.State)
	}
	if s.policy == PolicyMultilevelFeedback {
		t.band = t.Priority
	}
	s.enqueue(t)

	switch s.policy {
	case PolicyPriority, PolicyMultilevelFeedback:
		if t.band > s.current.band {
			atomic.StoreUint32(&s.needResched, 1)
		}
	default:
		if s.current == s.idle {
			atomic.StoreUint32(&s.needResched, 1)
		}
	}
	return nil
}

// Terminate ends a thread. Terminating the running thread forces a
// switch at the next safe point.
func (s *Scheduler) Terminate(id ThreadID) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownThread, id)
	}
	if t == s.idle {
		return errors.New("idle thread cannot terminate")
	}
	if t.State == StateReady {
		s.dequeue(t)
	}
	t.State = StateTerminated
	if t == s.current {
		atomic.StoreUint32(&s.needResched, 1)
	}
	return nil
}

// Reschedule performs the context switch at a safe point. It is a no-op
// unless a reschedule has been requested or the running thread can no
// longer run. A candidate whose saved stack pointer is invalid is
// terminated instead of switched to.
func (s *Scheduler) Reschedule() ThreadID {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	prev := s.current
	if atomic.LoadUint32(&s.needResched) == 0 && prev.State == StateRunning {
		return prev.ID
	}
	atomic.StoreUint32(&s.needResched, 0)

	prev.recordBurst()
	if prev.State == StateRunning {
		if prev == s.idle {
			// Idle never sits on a queue; pickNext falls back to it. It
			// still must drop out of Running so only one thread holds
			// that state at a time.
			prev.State = StateReady
		} else {
			s.enqueue(prev)
		}
	}

	var next *TCB
	for {
		next = s.pickNext()
		if next == nil {
			next = s.idle
			break
		}
		if validStack(next.SP) {
			break
		}
		klog.Warnf("sched", "thread %d (%s) has invalid stack pointer %#x, terminating",
			next.ID, next.Name, next.SP)
		next.State = StateTerminated
	}

	next.State = StateRunning
	next.QuantumLeftMs = s.quantumFor(next)
	next.LastRunAt = s.now()
	s.current = next
	if next != prev {
		s.stats.ContextSwitches++
	}
	return next.ID
}

// quantumFor must be called with the mutex held.
func (s *Scheduler) quantumFor(t *TCB) uint32 {
	switch s.policy {
	case PolicyPriority, PolicyShortestJobFirst, PolicyMultilevelFeedback:
		return QuantumForPriority(t.band)
	default:
		return s.quantumMs
	}
}

// validStack rejects null and unaligned stack pointers.
func validStack(sp uint64) bool {
	return sp != 0 && sp%8 == 0
}

// Current returns the running thread's ID.
func (s *Scheduler) Current() ThreadID {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.current.ID
}

// Lookup returns a read-only view of one thread.
func (s *Scheduler) Lookup(id ThreadID) (ThreadInfo, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return ThreadInfo{}, fmt.Errorf("%w: %d", ErrUnknownThread, id)
	}
	return t.info(), nil
}

// Threads returns every known thread ordered by ID.
func (s *Scheduler) Threads() []ThreadInfo {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make([]ThreadInfo, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, t.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns a snapshot of scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	st := s.stats
	st.CurrentThread = s.current.ID
	for band := range s.queues {
		st.ReadyThreads += len(s.queues[band])
	}
	for _, t := range s.threads {
		if t.State == StateBlocked {
			st.BlockedThreads++
		}
	}
	return st
}
