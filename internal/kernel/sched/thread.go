// Package sched implements the kernel scheduler core: thread control
// blocks, per-priority run queues and the policy engine that picks the
// next thread at each safe point. Preemption is split in two, the timer
// tick only requests a reschedule and the switch happens when the
// running context reaches a safe point and calls Reschedule.
package sched

import "fmt"

// ThreadID identifies a thread. ID 0 is the idle thread.
type ThreadID uint64

// IdleThreadID is the per-processor idle thread created by the scheduler.
const IdleThreadID ThreadID = 0

// Priority orders the run queue bands. Higher values run first under
// priority-aware policies.
type Priority uint8

const (
	PriorityIdle Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityRealTime

	priorityCount
)

// String returns the run-queue dump spelling of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityIdle:
		return "idle"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityRealTime:
		return "realtime"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

// Valid reports whether the priority names a real band.
func (p Priority) Valid() bool { return p < priorityCount }

// QuantumForPriority returns the time slice in milliseconds granted to a
// band under priority-aware policies.
func QuantumForPriority(p Priority) uint32 {
	switch p {
	case PriorityIdle:
		return 5
	case PriorityLow:
		return 10
	case PriorityHigh:
		return 30
	case PriorityRealTime:
		return 40
	default:
		return 20
	}
}

// ThreadState is the lifecycle state of a thread.
type ThreadState uint8

const (
	StateReady ThreadState = iota
	StateRunning
	StateBlocked
	StateTerminated
)

func (s ThreadState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// burstAlpha is the exponential weight given to the most recent CPU
// burst when estimating the next one.
const burstAlpha = 0.5

// TCB is a thread control block. The scheduler owns every field; callers
// only see copies through ThreadInfo.
type TCB struct {
	ID       ThreadID
	Name     string
	State    ThreadState
	Priority Priority

	// Saved context, restored on switch-in.
	SP uint64
	PC uint64

	// band is the effective priority under MLFQ; it starts at Priority
	// and moves with quantum expiries and wakeups.
	band Priority

	QuantumLeftMs uint32
	CPUTimeMs     uint64
	CreatedAt     uint64
	LastRunAt     uint64

	// BurstEstimateMs is the EWMA of recent CPU bursts, consulted by the
	// shortest-job-first policy.
	BurstEstimateMs float64

	enqueueSeq uint64
	burstMs    uint64
}

// recordBurst folds the burst accumulated since the last dispatch into
// the estimate.
func (t *TCB) recordBurst() {
	if t.burstMs == 0 {
		return
	}
	if t.BurstEstimateMs == 0 {
		t.BurstEstimateMs = float64(t.burstMs)
	} else {
		t.BurstEstimateMs = burstAlpha*float64(t.burstMs) + (1-burstAlpha)*t.BurstEstimateMs
	}
	t.burstMs = 0
}

// ThreadInfo is the read-only view of a TCB returned by snapshots.
type ThreadInfo struct {
	ID              ThreadID
	Name            string
	State           ThreadState
	Priority        Priority
	EffectiveBand   Priority
	CPUTimeMs       uint64
	BurstEstimateMs float64
}

func (t *TCB) info() ThreadInfo {
	return ThreadInfo{
		ID:              t.ID,
		Name:            t.Name,
		State:           t.State,
		Priority:        t.Priority,
		EffectiveBand:   t.band,
		CPUTimeMs:       t.CPUTimeMs,
		BurstEstimateMs: t.BurstEstimateMs,
	}
}
