package engine

import (
	"context"
	"sync"
	"time"

	engineerrors "github.com/fluxpipe/fluxpipe/internal/engine/errors"
	"github.com/fluxpipe/fluxpipe/internal/engine/logging"
)

// PipelineFunc transforms a stream of events. It represents the rest of the
// processing graph and is supplied by the surrounding runtime; the engine
// never inspects its internals. Implementations must close the returned
// channel once the input channel is closed and drained.
type PipelineFunc func(in <-chan *Event) <-chan *Event

// BoundedSink is the ingress of one running pipeline instance. It enforces a
// fixed buffer capacity, offers blocking (Accept) and non-blocking (Emit)
// submission, and drains gracefully on disposal.
type BoundedSink struct {
	name            string
	in              chan *Event
	completed       chan struct{}
	disposing       chan struct{}
	shutdownTimeout time.Duration
	logger          logging.ServiceLogger
	metrics         *Metrics

	// mu guards the disposed flag and sender registration only; it is never
	// held across a buffer send, so disposal can always proceed past parked
	// submitters.
	mu       sync.RWMutex
	disposed bool
	senders  sync.WaitGroup
}

// NewBoundedSink builds one pipeline instance by applying pipeline to an
// event source of the given capacity and subscribes to it immediately. The
// subscription's only job is to drive the pipeline; its termination, normal
// or not, releases the sink's completion signal exactly once.
func NewBoundedSink(name string, pipeline PipelineFunc, capacity int, shutdownTimeout time.Duration, logger logging.ServiceLogger, metrics *Metrics) (*BoundedSink, error) {
	if pipeline == nil {
		return nil, engineerrors.ErrPipelineRequired
	}
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = logging.Nop()
	}

	s := &BoundedSink{
		name:            name,
		in:              make(chan *Event, capacity),
		completed:       make(chan struct{}),
		disposing:       make(chan struct{}),
		shutdownTimeout: shutdownTimeout,
		logger:          logger,
		metrics:         metrics,
	}

	out := pipeline(s.in)

	go func() {
		defer close(s.completed)
		for range out {
			// No-op success handler; stages have already run.
		}
	}()

	return s, nil
}

// Name identifies the sink for logging.
func (s *BoundedSink) Name() string { return s.name }

// enter registers the caller as an in-flight submitter. Registration happens
// under the lock so no submitter can start once disposal has begun, which in
// turn lets Dispose close the input channel after the in-flight ones drain.
func (s *BoundedSink) enter() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.disposed {
		return false
	}
	select {
	case <-s.completed:
		return false
	default:
	}
	s.senders.Add(1)
	return true
}

// Accept submits an event, blocking while the buffer is full. It returns
// ErrSinkUnavailable when the sink is disposed or its pipeline subscription
// has terminated; downstream pipeline errors never surface here. A parked
// Accept is released as soon as disposal begins.
func (s *BoundedSink) Accept(evt *Event) error {
	if !s.enter() {
		return engineerrors.ErrSinkUnavailable
	}
	defer s.senders.Done()

	select {
	case s.in <- evt:
		s.metrics.EventAccepted()
		return nil
	case <-s.completed:
		return engineerrors.ErrSinkUnavailable
	case <-s.disposing:
		return engineerrors.ErrSinkUnavailable
	}
}

// Emit submits an event without blocking. It returns false immediately when
// no buffer space is available and ErrSinkUnavailable when the sink can no
// longer take input.
func (s *BoundedSink) Emit(evt *Event) (bool, error) {
	if !s.enter() {
		return false, engineerrors.ErrSinkUnavailable
	}
	defer s.senders.Done()

	select {
	case s.in <- evt:
		s.metrics.EventAccepted()
		return true, nil
	default:
		s.metrics.EventRejected("buffer_full")
		return false, nil
	}
}

// Cancelled reports whether the pipeline subscription has terminated. A
// cancelled sink is destroyed by the pool and replaced on next demand.
func (s *BoundedSink) Cancelled() bool {
	select {
	case <-s.completed:
		return true
	default:
		return false
	}
}

// Dispose signals that no more input will arrive and waits up to the
// shutdown timeout for in-flight events to complete. Parked submitters are
// released immediately with ErrSinkUnavailable, so the timeout clock starts
// right away even when the buffer is full. A timeout is logged as a warning
// and is not an error: shutdown proceeds regardless. A context cancellation
// while waiting returns a DisposeInterruptedError, which callers treat as
// fatal. Dispose is idempotent.
func (s *BoundedSink) Dispose(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	close(s.disposing)
	s.mu.Unlock()

	// In-flight submitters unblock via the disposing signal; once they are
	// out, closing the input channel is safe.
	s.senders.Wait()
	close(s.in)

	start := time.Now()
	timer := time.NewTimer(s.shutdownTimeout)
	defer timer.Stop()

	select {
	case <-s.completed:
		return nil
	case <-timer.C:
		s.metrics.DisposeTimeout()
		s.logger.Warn("pipeline subscribers not completed within shutdown timeout", logging.LogFields{
			"sink":    s.name,
			"timeout": s.shutdownTimeout.String(),
			"waited":  time.Since(start).String(),
		})
		return nil
	case <-ctx.Done():
		return &engineerrors.DisposeInterruptedError{Sink: s.name, Err: ctx.Err()}
	}
}
