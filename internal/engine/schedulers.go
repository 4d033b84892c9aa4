package engine

import (
	"context"

	engineerrors "github.com/fluxpipe/fluxpipe/internal/engine/errors"
	"github.com/fluxpipe/fluxpipe/internal/engine/logging"
)

// SchedulerSet holds the process-wide executor pools, one per cost class.
// Executors are obtained once from the provider and reused; the set is
// read-only after construction.
type SchedulerSet struct {
	light         Executor
	blocking      Executor
	cpuIntensive  Executor
	threadLogging bool
	logger        logging.ServiceLogger
}

// NewSchedulerSet obtains the three executors from provider under namePrefix.
// When threadLogging is true, per-dispatch executors are wrapped so task
// scheduling is recorded against the event's context id.
func NewSchedulerSet(provider PoolProvider, namePrefix string, threadLogging bool, logger logging.ServiceLogger) (*SchedulerSet, error) {
	if provider == nil {
		return nil, engineerrors.ErrPoolProviderRequired
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &SchedulerSet{
		light:         provider.Executor(CostLight, namePrefix),
		blocking:      provider.Executor(CostBlocking, namePrefix),
		cpuIntensive:  provider.Executor(CostCPUIntensive, namePrefix),
		threadLogging: threadLogging,
		logger:        logger,
	}, nil
}

// Get returns the executor for the given cost class. Unknown classes fall
// back to the light pool.
func (s *SchedulerSet) Get(class ProcessingCostClass) Executor {
	switch class {
	case CostBlocking:
		return s.blocking
	case CostCPUIntensive:
		return s.cpuIntensive
	default:
		return s.light
	}
}

// ExecutorFor resolves the executor for one dispatch. The context id used for
// attribution is drawn from the ambient context rather than the event payload
// because upstream stages may attach it out-of-band.
func (s *SchedulerSet) ExecutorFor(class ProcessingCostClass, ctx context.Context) Executor {
	exec := s.Get(class)
	if !s.threadLogging {
		return exec
	}
	id, ok := EventIDFromContext(ctx)
	if !ok {
		return exec
	}
	return newThreadLoggingExecutor(exec, id, s.logger)
}

// ThreadLoggingEnabled reports whether dispatch attribution is active.
func (s *SchedulerSet) ThreadLoggingEnabled() bool { return s.threadLogging }
