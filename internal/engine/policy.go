package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	engineerrors "github.com/fluxpipe/fluxpipe/internal/engine/errors"
	"github.com/fluxpipe/fluxpipe/internal/engine/ids"
	"github.com/fluxpipe/fluxpipe/internal/engine/logging"
)

// Internal-parameter keys used to pass operation collaborators across chain
// boundaries without widening the event schema.
const (
	paramParametersProcessor = "operation.parametersProcessor"
	paramExecutionFunction   = "operation.executionFunction"
	paramCompletionToken     = "operation.completionToken"
	paramNextResponse        = "operation.nextResponse"
)

// ParametersProcessorFunc extracts the operation's parameters for one
// invocation.
type ParametersProcessorFunc func() (map[string]any, error)

// OperationExecFunc performs the terminal operation: given the merged
// parameter map and the in-flight event, it returns the single result event.
// It is supplied per invocation by the surrounding runtime.
type OperationExecFunc func(ctx context.Context, params map[string]any, evt *Event) (*Event, error)

// InvocationError is a recoverable error produced during terminal operation
// execution or parameter extraction. It carries the offending event so the
// shared execution loop can route the failure to the invocation's own
// completion handle instead of crashing the pipeline.
type InvocationError struct {
	Event *Event
	Err   error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("fluxpipe: operation invocation failed: %v", e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// CompletionHandle is a single-use promise resolved exactly once, with either
// the invocation's result event or its failure. It is owned by the
// originating caller and referenced, via its token, by the event in flight.
type CompletionHandle struct {
	token  string
	parent *EventContext

	once sync.Once
	done chan struct{}
	evt  *Event
	err  error
}

func newCompletionHandle(token string, parent *EventContext) *CompletionHandle {
	return &CompletionHandle{token: token, parent: parent, done: make(chan struct{})}
}

// Token returns the per-invocation correlation token.
func (h *CompletionHandle) Token() string { return h.token }

// Done is closed once the handle is resolved.
func (h *CompletionHandle) Done() <-chan struct{} { return h.done }

// Await blocks until the handle resolves or ctx is cancelled.
func (h *CompletionHandle) Await(ctx context.Context) (*Event, error) {
	select {
	case <-h.done:
		return h.evt, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// complete resolves the handle with a result, translated back to the parent
// context so correlation stays consistent for downstream error reporting.
func (h *CompletionHandle) complete(evt *Event) {
	h.once.Do(func() {
		if h.parent != nil {
			evt = evt.WithContext(h.parent)
		}
		h.evt = evt
		close(h.done)
	})
}

func (h *CompletionHandle) fail(err error) {
	h.once.Do(func() {
		var invErr *InvocationError
		if h.parent != nil && errors.As(err, &invErr) && invErr.Event != nil {
			err = &InvocationError{Event: invErr.Event.WithContext(h.parent), Err: invErr.Err}
		}
		h.err = err
		close(h.done)
	})
}

// PolicyStep is one cross-cutting behavior wrapped around the terminal
// operation invocation. Steps are composed in a fixed order, outermost first.
//
// When Propagate is false the step discards transformations made to the
// terminal operation response by the steps it wraps and reinstates the raw
// response stored by the terminal invocation, so one governing transformation
// wins rather than being silently overwritten.
type PolicyStep struct {
	Name      string
	Propagate bool

	// Processor wraps the next element of the chain with the policy's own
	// sub-pipeline.
	Processor func(next StageFunc) StageFunc
}

// PolicyChain composes an ordered list of policy steps around a terminal
// operation invocation. All submissions across all callers are serialized
// through one shared, long-lived execution loop fed by a bounded
// multi-producer ingress; each caller's asynchronous result is matched back
// via the completion handle embedded in the event's internal parameters.
type PolicyChain struct {
	executor    StageFunc
	transformer ParametersTransformer
	ingress     chan *Event
	logger      logging.ServiceLogger
	metrics     *Metrics

	pendingMu sync.Mutex
	pending   map[string]*CompletionHandle

	stateMu sync.Mutex
	closed  bool
	termErr error
	quit    chan struct{}
	done    chan struct{}
}

// NewPolicyChain builds the chain and starts its shared execution loop. The
// loop is subscribed once for the chain's entire lifetime; if it ever
// terminates unexpectedly the chain is inert and must be rebuilt.
func NewPolicyChain(steps []PolicyStep, transformer ParametersTransformer, ingressCapacity int, logger logging.ServiceLogger, metrics *Metrics) *PolicyChain {
	if logger == nil {
		logger = logging.Nop()
	}
	if ingressCapacity < 1 {
		ingressCapacity = 1
	}

	c := &PolicyChain{
		transformer: transformer,
		ingress:     make(chan *Event, ingressCapacity),
		logger:      logger,
		metrics:     metrics,
		pending:     make(map[string]*CompletionHandle),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	c.executor = c.composeExecutor(steps)

	go c.run()

	return c
}

// composeExecutor wraps the terminal operation invocation with each policy
// step, outermost policy first.
func (c *PolicyChain) composeExecutor(steps []PolicyStep) StageFunc {
	executor := c.applyNextOperation
	for i := len(steps) - 1; i >= 0; i-- {
		executor = c.applyPolicy(steps[i], executor)
	}
	return executor
}

// applyPolicy runs one policy's sub-pipeline around next and arbitrates what
// later (outer) steps observe as the operation response.
func (c *PolicyChain) applyPolicy(step PolicyStep, next StageFunc) StageFunc {
	wrapped := step.Processor(next)
	return func(ctx context.Context, evt *Event) (*Event, error) {
		response, err := wrapped(ctx, evt)
		if err != nil {
			return nil, err
		}
		if step.Propagate {
			return response, nil
		}
		if stored, ok := response.InternalParameter(paramNextResponse).(*Event); ok && stored != nil {
			return stored, nil
		}
		return response, nil
	}
}

// applyNextOperation invokes the terminal operation: parameters are extracted
// via the invocation's parameter processor, merged with any policy-supplied
// overrides read from the message, and handed to the execution function. The
// result is tagged with the raw response so non-propagating steps can recover
// it later.
func (c *PolicyChain) applyNextOperation(ctx context.Context, evt *Event) (*Event, error) {
	params := make(map[string]any)

	proc, _ := evt.InternalParameter(paramParametersProcessor).(ParametersProcessorFunc)
	if proc != nil {
		extracted, err := proc()
		if err != nil {
			return nil, &InvocationError{Event: evt, Err: err}
		}
		for k, v := range extracted {
			params[k] = v
		}
	}

	if c.transformer != nil {
		overrides, err := c.transformer.FromMessageToParameters(evt.Message())
		if err != nil {
			return nil, &InvocationError{Event: evt, Err: err}
		}
		for k, v := range overrides {
			params[k] = v
		}
	}

	execFn, ok := evt.InternalParameter(paramExecutionFunction).(OperationExecFunc)
	if !ok || execFn == nil {
		return nil, &InvocationError{Event: evt, Err: engineerrors.ErrOperationRequired}
	}

	response, err := execFn(ctx, params, evt)
	if err != nil {
		return nil, &InvocationError{Event: evt, Err: err}
	}
	return QuickCopy(response, map[string]any{paramNextResponse: response}), nil
}

// Process submits one invocation: the caller's event is copied with the
// parameter processor, the execution function, and a fresh completion token
// attached, bound to a child context, and pushed onto the shared ingress. The
// returned handle resolves asynchronously; this call never waits for the
// result, though it exerts back-pressure when the ingress is full.
func (c *PolicyChain) Process(ctx context.Context, evt *Event, execFn OperationExecFunc, paramsProcessor ParametersProcessorFunc) (*CompletionHandle, error) {
	if execFn == nil {
		return nil, engineerrors.ErrOperationRequired
	}
	if err := c.terminationError(); err != nil {
		return nil, err
	}

	token := ids.CreateULID()
	handle := newCompletionHandle(token, evt.Context())

	submitted := QuickCopy(evt, map[string]any{
		paramParametersProcessor: paramsProcessor,
		paramExecutionFunction:   execFn,
		paramCompletionToken:     token,
	}).WithContext(evt.Context().Child())

	c.addPending(token, handle)
	c.metrics.PolicyInvocation()

	select {
	case c.ingress <- submitted:
	case <-c.done:
		c.removePending(token)
		c.metrics.PolicyResolved("chain_terminated")
		return nil, c.terminationErrorOrClosed()
	case <-ctx.Done():
		c.removePending(token)
		c.metrics.PolicyResolved("submit_cancelled")
		return nil, ctx.Err()
	}

	// The send can win a race with termination: the final pending sweep may
	// have already run, in which case nothing will ever consume the buffered
	// submission. Reclaiming the handle here keeps every returned handle
	// resolvable.
	select {
	case <-c.done:
		c.pendingMu.Lock()
		_, orphaned := c.pending[token]
		delete(c.pending, token)
		c.pendingMu.Unlock()
		if orphaned {
			c.metrics.PolicyResolved("chain_terminated")
			return nil, c.terminationErrorOrClosed()
		}
	default:
	}

	return handle, nil
}

// Close stops the shared loop after draining already-submitted invocations.
// Submissions racing with Close fail with ErrChainTerminated.
func (c *PolicyChain) Close() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.quit)
}

// run is the chain's single logical consumer. Side effects follow ingress
// order; results are delivered back to callers via their own handles.
func (c *PolicyChain) run() {
	defer func() {
		if r := recover(); r != nil {
			c.terminate(fmt.Errorf("fluxpipe: policy chain panicked: %v", r))
			return
		}
		c.terminate(nil)
	}()

	for {
		select {
		case evt := <-c.ingress:
			c.processOne(evt)
		case <-c.quit:
			// Drain what was already submitted, then stop.
			for {
				select {
				case evt := <-c.ingress:
					c.processOne(evt)
				default:
					return
				}
			}
		}
	}
}

func (c *PolicyChain) processOne(evt *Event) {
	ctx := evt.Message().Context()

	input := evt
	if c.transformer != nil {
		transformed, err := c.parametersToMessage(evt)
		if err != nil {
			c.resolveFailure(evt, &InvocationError{Event: evt, Err: err})
			return
		}
		input = transformed
	}

	result, err := c.executor(ctx, input)
	if err == nil {
		c.resolveSuccess(evt, result)
		return
	}

	var invErr *InvocationError
	if errors.As(err, &invErr) {
		carried := invErr.Event
		if carried == nil {
			carried = evt
		}
		c.resolveFailure(carried, invErr)
		return
	}

	// Anything else is an unexpected termination: the shared subscription is
	// gone and the chain cannot complete further submissions.
	panic(err)
}

// parametersToMessage rebuilds the in-flight event's message from the
// operation parameters so the policy sub-pipelines can observe and modify
// them as message content.
func (c *PolicyChain) parametersToMessage(evt *Event) (*Event, error) {
	proc, _ := evt.InternalParameter(paramParametersProcessor).(ParametersProcessorFunc)
	if proc == nil {
		return evt, nil
	}
	params, err := proc()
	if err != nil {
		return nil, err
	}
	msg, err := c.transformer.FromParametersToMessage(params)
	if err != nil {
		return nil, err
	}
	msg.SetContext(evt.Message().Context())
	return evt.WithMessage(msg), nil
}

func (c *PolicyChain) resolveSuccess(submitted, result *Event) {
	handle := c.takeHandle(result, submitted)
	if handle == nil {
		c.logger.Error("no pending handle for completed invocation", nil, logging.LogFields{
			"event_context_id": submitted.Context().ID,
		})
		return
	}
	c.metrics.PolicyResolved("")
	handle.complete(result)
}

func (c *PolicyChain) resolveFailure(carried *Event, err error) {
	handle := c.takeHandle(carried, carried)
	if handle == nil {
		c.logger.Error("no pending handle for failed invocation", err, logging.LogFields{
			"event_context_id": carried.Context().ID,
		})
		return
	}
	c.metrics.PolicyResolved("recoverable")
	handle.fail(err)
}

// takeHandle removes and returns the pending handle for the event, preferring
// the token carried by the result and falling back to the submitted event's
// token for operations that return events built from scratch.
func (c *PolicyChain) takeHandle(preferred, fallback *Event) *CompletionHandle {
	token, _ := preferred.InternalParameter(paramCompletionToken).(string)
	if token == "" {
		token, _ = fallback.InternalParameter(paramCompletionToken).(string)
	}
	if token == "" {
		return nil
	}
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	handle := c.pending[token]
	delete(c.pending, token)
	return handle
}

func (c *PolicyChain) addPending(token string, handle *CompletionHandle) {
	c.pendingMu.Lock()
	c.pending[token] = handle
	c.pendingMu.Unlock()
}

func (c *PolicyChain) removePending(token string) {
	c.pendingMu.Lock()
	delete(c.pending, token)
	c.pendingMu.Unlock()
}

// terminate marks the chain inert. A nil cause is a normal Close; any other
// cause is fatal for this chain instance and is surfaced loudly, with every
// outstanding handle failed so no caller waits forever.
func (c *PolicyChain) terminate(cause error) {
	c.stateMu.Lock()
	if cause != nil {
		c.termErr = cause
	}
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.stateMu.Unlock()

	if cause != nil {
		c.metrics.ChainTerminated()
		c.logger.Error("policy chain terminated unexpectedly, no further invocations can complete", cause, nil)
	}

	c.pendingMu.Lock()
	outstanding := make([]*CompletionHandle, 0, len(c.pending))
	for token, handle := range c.pending {
		outstanding = append(outstanding, handle)
		delete(c.pending, token)
	}
	c.pendingMu.Unlock()

	for _, handle := range outstanding {
		c.metrics.PolicyResolved("chain_terminated")
		if cause != nil {
			handle.fail(fmt.Errorf("%w: %w", engineerrors.ErrChainTerminated, cause))
		} else {
			handle.fail(engineerrors.ErrChainTerminated)
		}
	}
}

func (c *PolicyChain) terminationError() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	select {
	case <-c.done:
		if c.termErr != nil {
			return fmt.Errorf("%w: %w", engineerrors.ErrChainTerminated, c.termErr)
		}
		return engineerrors.ErrChainTerminated
	default:
	}
	if c.closed {
		return engineerrors.ErrChainTerminated
	}
	return nil
}

func (c *PolicyChain) terminationErrorOrClosed() error {
	if err := c.terminationError(); err != nil {
		return err
	}
	return engineerrors.ErrChainTerminated
}
