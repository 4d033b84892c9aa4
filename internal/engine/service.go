package engine

import (
	"context"
	"fmt"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/fluxpipe/fluxpipe/internal/engine/config"
	engineerrors "github.com/fluxpipe/fluxpipe/internal/engine/errors"
	"github.com/fluxpipe/fluxpipe/internal/engine/logging"
)

// Dependencies holds the optional collaborators an Engine can use. Leave
// fields nil to fall back to the built-in defaults.
type Dependencies struct {
	// PoolProvider supplies the executor pools. Defaults to the built-in
	// goroutine pool provider sized from the configuration.
	PoolProvider PoolProvider

	// Registerer receives the engine's Prometheus collectors when metrics
	// are enabled. Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer

	// ParametersTransformer lets policies observe operation parameters as
	// message content. Optional.
	ParametersTransformer ParametersTransformer

	// Policies is the ordered list of steps wrapped around the terminal
	// operation, outermost first.
	Policies []PolicyStep
}

// PipelineBuilder constructs the pipeline function representing the rest of
// the processing graph. It receives the engine after its dispatcher and
// policy chain are wired, so stages can be composed per cost class and the
// chain can terminate the pipeline; the sink pool does not exist yet.
type PipelineBuilder func(e *Engine) PipelineFunc

// Engine hosts one event-processing pipeline: a pool of bounded sinks driving
// the caller-supplied pipeline function with proactor scheduling, plus the
// policy chain wrapping terminal operation invocations.
type Engine struct {
	conf       configpkg.Config
	logger     logging.ServiceLogger
	schedulers *SchedulerSet
	dispatcher *ProactorDispatcher
	sinks      *SinkPool
	chain      *PolicyChain
	metrics    *Metrics

	// ownedProvider is shut down with the engine when the provider was
	// defaulted rather than injected.
	ownedProvider *GoroutinePoolProvider
}

// NewEngine validates the configuration and assembles a running engine
// around the supplied pipeline. The built pipeline is treated as opaque: it
// is wrapped with the proactor's light-pool boundary hop and instantiated
// once per sink partition.
func NewEngine(conf *configpkg.Config, logger logging.ServiceLogger, build PipelineBuilder, deps Dependencies) (*Engine, error) {
	if conf == nil {
		return nil, engineerrors.ErrConfigRequired
	}
	if logger == nil {
		return nil, engineerrors.ErrLoggerRequired
	}
	if build == nil {
		return nil, engineerrors.ErrPipelineRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, engineerrors.NewConfigValidationError(err)
	}
	normalized := conf.Normalized()

	e := &Engine{conf: normalized, logger: logger}

	provider := deps.PoolProvider
	if provider == nil {
		owned := NewGoroutinePoolProvider(normalized.LightPoolSize, normalized.BlockingPoolSize, normalized.CPUIntensivePoolSize)
		e.ownedProvider = owned
		provider = owned
	}

	if normalized.MetricsEnabled {
		e.metrics = NewMetrics(deps.Registerer)
		if err := e.metrics.Register(); err != nil {
			return nil, fmt.Errorf("fluxpipe: registering metrics: %w", err)
		}
	}

	schedulers, err := NewSchedulerSet(provider, normalized.SchedulerNamePrefix, normalized.ThreadLoggingEnabled, logger)
	if err != nil {
		return nil, err
	}
	e.schedulers = schedulers
	e.dispatcher = NewProactorDispatcher(e.schedulers, logger, e.metrics)
	e.chain = NewPolicyChain(deps.Policies, deps.ParametersTransformer, normalized.PolicyIngressCapacity, logger, e.metrics)

	pipeline := build(e)
	if pipeline == nil {
		return nil, engineerrors.ErrPipelineRequired
	}
	transformed := e.dispatcher.OnPipeline(pipeline)

	sinks, err := NewSinkPool(normalized.MaxConcurrency, func(partition int) (*BoundedSink, error) {
		capacity := normalized.BufferSize / e.sinkPartitions()
		if capacity < 1 {
			capacity = 1
		}
		name := fmt.Sprintf("%s.sink-%d", normalized.SchedulerNamePrefix, partition)
		return NewBoundedSink(name, transformed, capacity, normalized.ShutdownTimeout, logger, e.metrics)
	}, logger)
	if err != nil {
		return nil, err
	}
	e.sinks = sinks

	logger.Info("created event-processing engine", logging.LogFields{
		"partitions":       sinks.Size(),
		"buffer_size":      normalized.BufferSize,
		"shutdown_timeout": normalized.ShutdownTimeout.String(),
		"thread_logging":   normalized.ThreadLoggingEnabled,
	})

	return e, nil
}

func (e *Engine) sinkPartitions() int {
	if e.sinks != nil {
		return e.sinks.Size()
	}
	// During sink construction the pool is not assigned yet; recompute the
	// bound the pool itself applies.
	partitions := e.conf.MaxConcurrency
	if cores := runtime.NumCPU(); partitions > cores {
		partitions = cores
	}
	if partitions < 1 {
		partitions = 1
	}
	return partitions
}

// Dispatcher exposes the proactor dispatcher so callers can compose
// cost-class annotated stages into the pipeline function they supply.
func (e *Engine) Dispatcher() *ProactorDispatcher { return e.dispatcher }

// PolicyChain exposes the engine's shared policy chain.
func (e *Engine) PolicyChain() *PolicyChain { return e.chain }

// Metrics returns the engine's metric hook points; nil when disabled.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Accept submits an event into the pipeline, blocking while every partition's
// buffer is full. The event's context id is attached to the message context
// so downstream stages can correlate dispatches.
func (e *Engine) Accept(evt *Event) error {
	e.attachAmbientID(evt)
	return e.sinks.Accept(evt)
}

// Emit submits an event without blocking, reporting false when no buffer
// space is available.
func (e *Engine) Emit(evt *Event) (bool, error) {
	e.attachAmbientID(evt)
	return e.sinks.Emit(evt)
}

// Invoke submits one operation invocation through the policy chain and
// returns its completion handle.
func (e *Engine) Invoke(ctx context.Context, evt *Event, execFn OperationExecFunc, paramsProcessor ParametersProcessorFunc) (*CompletionHandle, error) {
	return e.chain.Process(ctx, evt, execFn, paramsProcessor)
}

// OperationStage builds a pipeline stage that routes events through the
// policy chain and waits for the correlated result, making the chain the
// pipeline's terminal transformation. Operation execution blocks the stage,
// so it is declared blocking and scheduled on the dedicated pool.
func (e *Engine) OperationStage(name string, execFn OperationExecFunc, paramsProcessor ParametersProcessorFunc) Stage {
	return Stage{
		Name:  name,
		Class: CostBlocking,
		Apply: func(ctx context.Context, evt *Event) (*Event, error) {
			handle, err := e.chain.Process(ctx, evt, execFn, paramsProcessor)
			if err != nil {
				return nil, err
			}
			return handle.Await(ctx)
		},
	}
}

// Shutdown disposes the sink pool, stops the policy chain, and shuts down
// the built-in pool provider when the engine owns it. Waiting is bounded by
// ctx; per-sink drain timeouts are logged, not returned.
func (e *Engine) Shutdown(ctx context.Context) {
	e.sinks.Shutdown(ctx)
	e.chain.Close()
	if e.ownedProvider != nil {
		e.ownedProvider.Shutdown(ctx)
	}
	e.logger.Info("engine shut down", nil)
}

func (e *Engine) attachAmbientID(evt *Event) {
	msg := evt.Message()
	if _, ok := EventIDFromContext(msg.Context()); ok {
		return
	}
	msg.SetContext(ContextWithEventID(msg.Context(), evt.Context().ID))
}
