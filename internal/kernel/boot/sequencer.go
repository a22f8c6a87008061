package boot

import (
	"sync"

	"github.com/multios-project/multios/internal/kernel/klog"
)

// StageFunc initializes one stage against the shared context.
type StageFunc func(*Context) error

// Sequencer advances a bootstrap context through the stage machine,
// invoking the registered function for each stage.
type Sequencer struct {
	mutex sync.Mutex
	funcs map[Stage]StageFunc
}

// NewSequencer returns a sequencer with no stage functions bound.
func NewSequencer() *Sequencer {
	return &Sequencer{funcs: make(map[Stage]StageFunc)}
}

// Register binds a stage function, replacing any previous binding. A
// stage with no function is a no-op that still appears in the trace.
func (s *Sequencer) Register(stage Stage, fn StageFunc) {
	s.mutex.Lock()
	s.funcs[stage] = fn
	s.mutex.Unlock()
}

// Execute runs the context forward from its current stage to Complete.
// On a stage failure the error counter is bumped; with recovery enabled
// and fewer than three errors the stage is skipped, otherwise Execute
// returns an InitializationError. Executing a completed context is a
// no-op, and re-invoking after a failure retries the failed stage.
func (s *Sequencer) Execute(ctx *Context) error {
	for stage := ctx.CurrentStage; ; {
		ctx.enterStage(stage)
		if stage == StageComplete {
			return nil
		}

		s.mutex.Lock()
		fn := s.funcs[stage]
		s.mutex.Unlock()

		if fn != nil {
			if err := fn(ctx); err != nil {
				ctx.recordError()
				klog.Errorf("boot", "stage %s failed: %v (trace %v, error %d)",
					stage, err, ctx.StageTrace, ctx.ErrorCount)
				if !ctx.canRecover() {
					return &InitializationError{Stage: stage, Err: err}
				}
				klog.Warnf("boot", "recovery enabled, skipping %s", stage)
			}
		}
		stage, _ = stage.Next()
	}
}
