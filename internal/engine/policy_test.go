package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engineerrors "github.com/fluxpipe/fluxpipe/internal/engine/errors"
	"github.com/fluxpipe/fluxpipe/internal/engine/ids"
)

func newTestChain(t *testing.T, steps []PolicyStep, transformer ParametersTransformer) *PolicyChain {
	t.Helper()
	chain := NewPolicyChain(steps, transformer, 16, nil, nil)
	t.Cleanup(chain.Close)
	return chain
}

func awaitHandle(t *testing.T, handle *CompletionHandle) (*Event, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return handle.Await(ctx)
}

// replyExec ignores the input and responds with a freshly built event.
func replyExec(payload string) OperationExecFunc {
	return func(ctx context.Context, params map[string]any, evt *Event) (*Event, error) {
		return NewEvent(message.NewMessage(ids.CreateULID(), []byte(payload))), nil
	}
}

// tagExec derives the response from the in-flight event so the correlation
// token travels with it.
func tagExec(payload string) OperationExecFunc {
	return func(ctx context.Context, params map[string]any, evt *Event) (*Event, error) {
		return evt.WithMessage(message.NewMessage(ids.CreateULID(), []byte(payload))), nil
	}
}

// transformStep rewrites the operation response by prefixing its payload.
func transformStep(name string, propagate bool) PolicyStep {
	return PolicyStep{
		Name:      name,
		Propagate: propagate,
		Processor: func(next StageFunc) StageFunc {
			return func(ctx context.Context, evt *Event) (*Event, error) {
				res, err := next(ctx, evt)
				if err != nil {
					return nil, err
				}
				payload := name + ":" + string(res.Message().Payload)
				return res.WithMessage(message.NewMessage(ids.CreateULID(), []byte(payload))), nil
			}
		},
	}
}

func TestProcessResolvesWithOperationResult(t *testing.T) {
	chain := newTestChain(t, nil, nil)
	evt := testEvent("in")

	handle, err := chain.Process(context.Background(), evt, replyExec("out"), nil)
	require.NoError(t, err)
	require.NotEmpty(t, handle.Token())

	result, err := awaitHandle(t, handle)
	require.NoError(t, err)
	assert.Equal(t, "out", string(result.Message().Payload))

	// The result is translated back to the caller's own context even though
	// the operation built its response from scratch.
	assert.Same(t, evt.Context(), result.Context())

	// Resolution is stable: a second Await observes the same outcome.
	again, err := awaitHandle(t, handle)
	require.NoError(t, err)
	assert.Same(t, result, again)
}

func TestProcessRequiresExecutionFunction(t *testing.T) {
	chain := newTestChain(t, nil, nil)

	_, err := chain.Process(context.Background(), testEvent("in"), nil, nil)
	assert.ErrorIs(t, err, engineerrors.ErrOperationRequired)
}

func TestProcessPassesExtractedParameters(t *testing.T) {
	chain := newTestChain(t, nil, nil)

	got := make(chan map[string]any, 1)
	execFn := func(ctx context.Context, params map[string]any, evt *Event) (*Event, error) {
		got <- params
		return evt, nil
	}
	paramsProcessor := func() (map[string]any, error) {
		return map[string]any{"amount": 7, "currency": "EUR"}, nil
	}

	handle, err := chain.Process(context.Background(), testEvent("in"), execFn, paramsProcessor)
	require.NoError(t, err)
	_, err = awaitHandle(t, handle)
	require.NoError(t, err)

	params := <-got
	assert.Equal(t, 7, params["amount"])
	assert.Equal(t, "EUR", params["currency"])
}

func TestStepsRunOutermostFirst(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	recordingStep := func(name string) PolicyStep {
		return PolicyStep{
			Name:      name,
			Propagate: true,
			Processor: func(next StageFunc) StageFunc {
				return func(ctx context.Context, evt *Event) (*Event, error) {
					mu.Lock()
					order = append(order, name)
					mu.Unlock()
					return next(ctx, evt)
				}
			},
		}
	}

	chain := newTestChain(t, []PolicyStep{recordingStep("outer"), recordingStep("inner")}, nil)

	handle, err := chain.Process(context.Background(), testEvent("in"), tagExec("done"), nil)
	require.NoError(t, err)
	_, err = awaitHandle(t, handle)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestPropagateTrueExposesTransformedResponse(t *testing.T) {
	chain := newTestChain(t, []PolicyStep{transformStep("p2", true)}, nil)

	handle, err := chain.Process(context.Background(), testEvent("in"), tagExec("raw"), nil)
	require.NoError(t, err)

	result, err := awaitHandle(t, handle)
	require.NoError(t, err)
	assert.Equal(t, "p2:raw", string(result.Message().Payload))
}

func TestPropagateFalseReinstatesRawOperationResponse(t *testing.T) {
	// p1 does not propagate: transformations applied by it and by the steps
	// it wraps are discarded in favor of the operation's own response.
	steps := []PolicyStep{transformStep("p1", false), transformStep("p2", true)}
	chain := newTestChain(t, steps, nil)

	handle, err := chain.Process(context.Background(), testEvent("in"), tagExec("raw"), nil)
	require.NoError(t, err)

	result, err := awaitHandle(t, handle)
	require.NoError(t, err)
	assert.Equal(t, "raw", string(result.Message().Payload))
}

func TestRecoverableFailureResolvesOnlyThatCaller(t *testing.T) {
	chain := newTestChain(t, nil, nil)
	cause := errors.New("downstream rejected the call")
	failing := func(ctx context.Context, params map[string]any, evt *Event) (*Event, error) {
		return nil, cause
	}

	failedHandle, err := chain.Process(context.Background(), testEvent("bad"), failing, nil)
	require.NoError(t, err)

	_, err = awaitHandle(t, failedHandle)
	require.Error(t, err)
	var invErr *InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.ErrorIs(t, err, cause)

	// The shared loop survived; unrelated invocations are unaffected.
	okHandle, err := chain.Process(context.Background(), testEvent("good"), tagExec("fine"), nil)
	require.NoError(t, err)
	result, err := awaitHandle(t, okHandle)
	require.NoError(t, err)
	assert.Equal(t, "fine", string(result.Message().Payload))
}

func TestParameterExtractionFailureResolvesFailure(t *testing.T) {
	chain := newTestChain(t, nil, nil)
	cause := errors.New("parameters unavailable")

	handle, err := chain.Process(context.Background(), testEvent("in"), tagExec("unused"), func() (map[string]any, error) {
		return nil, cause
	})
	require.NoError(t, err)

	_, err = awaitHandle(t, handle)
	assert.ErrorIs(t, err, cause)
}

func TestConcurrentInvocationsResolveIndependently(t *testing.T) {
	chain := newTestChain(t, []PolicyStep{transformStep("noop", true)}, nil)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("noop:result-%d", i)

			handle, err := chain.Process(context.Background(), testEvent("in"), tagExec(fmt.Sprintf("result-%d", i)), nil)
			assert.NoError(t, err)

			result, err := awaitHandle(t, handle)
			assert.NoError(t, err)
			assert.Equal(t, want, string(result.Message().Payload))
		}(i)
	}
	wg.Wait()
}

func TestInvocationSideEffectsFollowSubmissionOrder(t *testing.T) {
	chain := newTestChain(t, nil, nil)

	var (
		mu       sync.Mutex
		executed []string
	)
	handles := make([]*CompletionHandle, 0, 5)
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("op-%d", i)
		execFn := func(ctx context.Context, params map[string]any, evt *Event) (*Event, error) {
			mu.Lock()
			executed = append(executed, name)
			mu.Unlock()
			return evt, nil
		}
		handle, err := chain.Process(context.Background(), testEvent(name), execFn, nil)
		require.NoError(t, err)
		handles = append(handles, handle)
	}

	for _, handle := range handles {
		_, err := awaitHandle(t, handle)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"op-0", "op-1", "op-2", "op-3", "op-4"}, executed)
}

func TestCloseDrainsSubmittedInvocations(t *testing.T) {
	chain := NewPolicyChain(nil, nil, 16, nil, nil)

	handles := make([]*CompletionHandle, 0, 3)
	for i := 0; i < 3; i++ {
		handle, err := chain.Process(context.Background(), testEvent("in"), tagExec("drained"), nil)
		require.NoError(t, err)
		handles = append(handles, handle)
	}

	chain.Close()

	for _, handle := range handles {
		result, err := awaitHandle(t, handle)
		require.NoError(t, err)
		assert.Equal(t, "drained", string(result.Message().Payload))
	}

	_, err := chain.Process(context.Background(), testEvent("late"), tagExec("x"), nil)
	assert.ErrorIs(t, err, engineerrors.ErrChainTerminated)
}

func TestUnexpectedTerminationIsFatalForTheChain(t *testing.T) {
	logger := newCapturingLogger()
	metrics := NewMetrics(prometheus.NewRegistry())
	broken := PolicyStep{
		Name:      "broken",
		Propagate: true,
		Processor: func(next StageFunc) StageFunc {
			return func(ctx context.Context, evt *Event) (*Event, error) {
				// Not an InvocationError: the shared subscription is torn down.
				return nil, errors.New("subscription torn down")
			}
		},
	}
	chain := NewPolicyChain([]PolicyStep{broken}, nil, 16, logger, metrics)

	handle, err := chain.Process(context.Background(), testEvent("in"), tagExec("never"), nil)
	require.NoError(t, err)

	// The outstanding invocation is failed rather than left hanging.
	_, err = awaitHandle(t, handle)
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerrors.ErrChainTerminated)

	// Everything after the termination is rejected outright.
	_, err = chain.Process(context.Background(), testEvent("late"), tagExec("x"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerrors.ErrChainTerminated)
	assert.Contains(t, err.Error(), "subscription torn down")

	assert.True(t, logger.has("error", "terminated unexpectedly"))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.chainTerminations))
}

func TestSubmitBackPressureHonorsContext(t *testing.T) {
	gate := make(chan struct{})
	blocked := func(ctx context.Context, params map[string]any, evt *Event) (*Event, error) {
		<-gate
		return evt, nil
	}

	chain := NewPolicyChain(nil, nil, 1, nil, nil)
	t.Cleanup(chain.Close)

	// First invocation occupies the loop, second fills the ingress buffer.
	first, err := chain.Process(context.Background(), testEvent("a"), blocked, nil)
	require.NoError(t, err)
	second, err := chain.Process(context.Background(), testEvent("b"), blocked, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = chain.Process(ctx, testEvent("c"), blocked, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	_, err = awaitHandle(t, first)
	assert.NoError(t, err)
	_, err = awaitHandle(t, second)
	assert.NoError(t, err)
}

func TestTerminationDoesNotStrandConcurrentSubmitters(t *testing.T) {
	// A fatal termination racing with in-flight submissions must leave every
	// handle Process returned resolvable; none may wait forever.
	killStep := PolicyStep{
		Name:      "kill_switch",
		Propagate: true,
		Processor: func(next StageFunc) StageFunc {
			return func(ctx context.Context, evt *Event) (*Event, error) {
				if string(evt.Message().Payload) == "kill" {
					return nil, errors.New("subscription wire torn")
				}
				return next(ctx, evt)
			}
		},
	}

	for round := 0; round < 10; round++ {
		chain := NewPolicyChain([]PolicyStep{killStep}, nil, 4, newCapturingLogger(), nil)

		var (
			mu      sync.Mutex
			handles []*CompletionHandle
			wg      sync.WaitGroup
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					handle, err := chain.Process(context.Background(), testEvent("work"), tagExec("done"), nil)
					if err != nil {
						return
					}
					mu.Lock()
					handles = append(handles, handle)
					mu.Unlock()
				}
			}()
		}

		if handle, err := chain.Process(context.Background(), testEvent("kill"), tagExec("x"), nil); err == nil {
			mu.Lock()
			handles = append(handles, handle)
			mu.Unlock()
		}
		wg.Wait()

		for _, handle := range handles {
			_, err := awaitHandle(t, handle)
			if err != nil {
				require.NotErrorIs(t, err, context.DeadlineExceeded)
				assert.ErrorIs(t, err, engineerrors.ErrChainTerminated)
			}
		}
	}
}

type failingTransformer struct {
	err error
}

func (f *failingTransformer) FromParametersToMessage(params map[string]any) (*message.Message, error) {
	return nil, f.err
}

func (f *failingTransformer) FromMessageToParameters(msg *message.Message) (map[string]any, error) {
	return nil, f.err
}

func TestTransformerFailureResolvesFailure(t *testing.T) {
	cause := errors.New("unencodable parameters")
	chain := newTestChain(t, nil, &failingTransformer{err: cause})

	handle, err := chain.Process(context.Background(), testEvent("in"), tagExec("x"), func() (map[string]any, error) {
		return map[string]any{"k": "v"}, nil
	})
	require.NoError(t, err)

	_, err = awaitHandle(t, handle)
	assert.ErrorIs(t, err, cause)

	// Transformer failures are recoverable: the chain keeps accepting work.
	_, err = chain.Process(context.Background(), testEvent("again"), tagExec("x"), nil)
	assert.NoError(t, err)
}

func TestTransformerExposesParametersAsMessageContent(t *testing.T) {
	var (
		mu       sync.Mutex
		observed string
	)
	inspect := PolicyStep{
		Name:      "inspect",
		Propagate: true,
		Processor: func(next StageFunc) StageFunc {
			return func(ctx context.Context, evt *Event) (*Event, error) {
				mu.Lock()
				observed = string(evt.Message().Payload)
				mu.Unlock()
				return next(ctx, evt)
			}
		},
	}

	chain := newTestChain(t, []PolicyStep{inspect}, NewJSONParametersTransformer())

	got := make(chan map[string]any, 1)
	execFn := func(ctx context.Context, params map[string]any, evt *Event) (*Event, error) {
		got <- params
		return evt, nil
	}

	handle, err := chain.Process(context.Background(), testEvent("ignored"), execFn, func() (map[string]any, error) {
		return map[string]any{"amount": 2}, nil
	})
	require.NoError(t, err)
	_, err = awaitHandle(t, handle)
	require.NoError(t, err)

	mu.Lock()
	assert.Contains(t, observed, `"amount"`)
	mu.Unlock()

	// Parameters round-trip through JSON, so numbers come back as float64.
	params := <-got
	assert.Equal(t, float64(2), params["amount"])
}

func TestCompletionHandleAwaitHonorsContext(t *testing.T) {
	gate := make(chan struct{})
	blocked := func(ctx context.Context, params map[string]any, evt *Event) (*Event, error) {
		<-gate
		return evt, nil
	}

	chain := newTestChain(t, nil, nil)
	handle, err := chain.Process(context.Background(), testEvent("in"), blocked, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = handle.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The invocation itself is unaffected by the abandoned wait.
	close(gate)
	_, err = awaitHandle(t, handle)
	assert.NoError(t, err)
}
