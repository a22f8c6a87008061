// Package boot drives staged kernel initialization: a fixed sequence of
// stages advanced by the sequencer, an error budget with optional
// skip-on-failure recovery, and the global KernelState singleton
// published when the sequence completes.
package boot

import "fmt"

// Stage is one phase of the bootstrap state machine. Stages are
// strictly ordered; the sequencer only advances to a stage's successor.
type Stage uint8

const (
	StageEarlyInit Stage = iota
	StageMemoryInit
	StageInterruptInit
	StageArchitectureInit
	StageDriverInit
	StageSchedulerInit
	StageUserModeInit
	StageComplete
)

// String returns the log spelling of the stage.
func (s Stage) String() string {
	switch s {
	case StageEarlyInit:
		return "EarlyInit"
	case StageMemoryInit:
		return "MemoryInit"
	case StageInterruptInit:
		return "InterruptInit"
	case StageArchitectureInit:
		return "ArchitectureInit"
	case StageDriverInit:
		return "DriverInit"
	case StageSchedulerInit:
		return "SchedulerInit"
	case StageUserModeInit:
		return "UserModeInit"
	case StageComplete:
		return "Complete"
	default:
		return fmt.Sprintf("Stage(%d)", uint8(s))
	}
}

// Next returns the successor stage; ok is false at Complete.
func (s Stage) Next() (Stage, bool) {
	if s >= StageComplete {
		return StageComplete, false
	}
	return s + 1, true
}

// InitializationError wraps a stage function failure.
type InitializationError struct {
	Stage Stage
	Err   error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialization failed at %s: %v", e.Stage, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }
