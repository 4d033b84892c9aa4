// Package fluxpipe is a reactive event-processing engine for message
// pipeline runtimes: it accepts inbound events, routes each through a chain
// of transformation stages, and schedules every stage on one of three
// specialized pools according to its declared processing cost class (light,
// blocking I/O, cpu-intensive).
//
// Submissions flow through a fixed-size pool of bounded sinks, capping the
// number of concurrently in-flight pipeline instances independent of the
// inbound event rate. Sinks expose blocking (Accept) and non-blocking (Emit)
// submission and drain gracefully on disposal, bounded by a configurable
// shutdown timeout.
//
// # Proactor scheduling
//
// The dispatcher implements the proactor pattern: cheap work stays on a
// shared light pool while blocking and cpu-intensive stages are off-loaded
// to dedicated pools, with the continuation pinned to the same pool. Pools
// come from an injectable PoolProvider; a goroutine-backed default is built
// in. Optional thread logging attributes each dispatch to the originating
// event's context id.
//
// # Policy chain
//
// Terminal operation invocations are wrapped by an ordered chain of policy
// steps (retry, validation, tracing, correlation, ...) executed on one
// shared, long-lived loop fed by a multi-producer ingress. Each invocation
// returns a CompletionHandle resolved exactly once with the correlated
// result or failure. A step with Propagate=false reinstates the terminal
// operation's raw response, so its governing transformation wins over the
// steps it wraps.
//
// A minimal setup fills Config, builds the pipeline from cost-class
// annotated stages via the engine's Dispatcher, creates the Engine, and
// submits events with Accept or Emit; operations are invoked through
// Engine.Invoke or an OperationStage placed at the end of the pipeline.
package fluxpipe
