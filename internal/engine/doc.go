/*
Package engine implements the reactive event-processing core of fluxpipe.

# Architecture Overview

Events enter through a SinkPool, which caps the number of concurrently
in-flight pipeline instances by load-balancing across bounded sinks. Each
BoundedSink owns one instance of the caller-supplied pipeline function; the
ProactorDispatcher drives that pipeline, hopping each stage's execution onto
the executor pool matching its declared processing cost class. Terminal
operation invocations run inside the PolicyChain's shared execution loop,
which composes ordered policy steps around the operation and resolves each
caller's completion handle.

# Package Structure

  - costclass.go: ProcessingCostClass enumeration
  - event.go: immutable-by-copy Event model and ambient context helpers
  - executor.go: Executor contract, built-in goroutine pools, dispatch
    attribution decorator
  - schedulers.go: SchedulerSet, the process-wide pool set per cost class
  - sink.go: BoundedSink with blocking/non-blocking submission and
    graceful-drain disposal
  - sinkpool.go: partitioned sink pool with scoped borrow/return
  - proactor.go: per-stage cost-class scheduling
  - policy.go: PolicyChain, PolicyStep, CompletionHandle
  - policies.go: built-in policy steps (correlation, logging, tracing,
    retry, validation)
  - params.go: parameter/message transformers
  - metrics.go: Prometheus hook points
  - service.go: Engine wiring everything together

# Sub-packages

  - config/: engine configuration with validation and defaults
  - errors/: sentinel errors and error types
  - ids/: ULID generation for context ids and correlation tokens
  - jsoncodec/: JSON marshaling utilities
  - logging/: logger interface and adapters
*/
package engine
