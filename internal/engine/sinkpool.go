package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	engineerrors "github.com/fluxpipe/fluxpipe/internal/engine/errors"
	"github.com/fluxpipe/fluxpipe/internal/engine/logging"
)

// SinkFactory creates one BoundedSink instance for a pool partition.
type SinkFactory func(partition int) (*BoundedSink, error)

// SinkPool caps the number of concurrently in-flight pipeline instances by
// load-balancing submissions across at most min(concurrency, NumCPU) sinks.
// Each partition holds exactly one sink, created lazily on first borrow and
// revalidated on every borrow: a sink whose subscription has terminated is
// destroyed and replaced on next demand.
type SinkPool struct {
	factory SinkFactory
	free    chan *sinkSlot
	size    int
	logger  logging.ServiceLogger

	mu       sync.Mutex
	shutdown bool
	done     chan struct{}
}

type sinkSlot struct {
	partition int
	sink      *BoundedSink
}

// NewSinkPool builds a pool with min(concurrency, runtime.NumCPU())
// partitions. Sinks are not created until first use.
func NewSinkPool(concurrency int, factory SinkFactory, logger logging.ServiceLogger) (*SinkPool, error) {
	if factory == nil {
		return nil, engineerrors.ErrSinkFactoryRequired
	}
	if logger == nil {
		logger = logging.Nop()
	}

	size := concurrency
	if cores := runtime.NumCPU(); size > cores {
		size = cores
	}
	if size < 1 {
		size = 1
	}

	p := &SinkPool{
		factory: factory,
		free:    make(chan *sinkSlot, size),
		size:    size,
		logger:  logger,
		done:    make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		p.free <- &sinkSlot{partition: i}
	}
	return p, nil
}

// Size returns the partition count, i.e. the concurrency bound.
func (p *SinkPool) Size() int { return p.size }

// Accept borrows a sink, forwards the blocking submission, and returns the
// sink to the pool regardless of outcome.
func (p *SinkPool) Accept(evt *Event) error {
	slot, err := p.borrow()
	if err != nil {
		return err
	}
	defer p.release(slot)
	return slot.sink.Accept(evt)
}

// Emit borrows a sink, forwards the non-blocking submission, and returns the
// sink to the pool regardless of outcome.
func (p *SinkPool) Emit(evt *Event) (bool, error) {
	slot, err := p.borrow()
	if err != nil {
		return false, err
	}
	defer p.release(slot)
	return slot.sink.Emit(evt)
}

// borrow blocks until a partition is available, then validates its sink and
// creates one if the partition is empty. The caller must release the slot.
func (p *SinkPool) borrow() (*sinkSlot, error) {
	select {
	case <-p.done:
		return nil, engineerrors.ErrSinkUnavailable
	default:
	}

	var slot *sinkSlot
	select {
	case slot = <-p.free:
	case <-p.done:
		return nil, engineerrors.ErrSinkUnavailable
	}

	if slot.sink != nil && slot.sink.Cancelled() {
		p.destroy(slot)
	}
	if slot.sink == nil {
		sink, err := p.factory(slot.partition)
		if err != nil {
			p.release(slot)
			return nil, fmt.Errorf("fluxpipe: creating sink for partition %d: %w", slot.partition, err)
		}
		slot.sink = sink
	}
	return slot, nil
}

func (p *SinkPool) release(slot *sinkSlot) {
	// The free list is sized to the partition count, so the send never blocks.
	p.free <- slot
}

// destroy disposes a cancelled sink. The subscription is already terminated,
// so disposal returns promptly; errors are logged and swallowed.
func (p *SinkPool) destroy(slot *sinkSlot) {
	if err := slot.sink.Dispose(context.Background()); err != nil {
		p.logger.Error("disposing cancelled sink", err, logging.LogFields{
			"partition": slot.partition,
		})
	}
	slot.sink = nil
}

// Shutdown disposes every live sink, best effort. Waiting is bounded by ctx:
// a cancellation while collecting partitions or draining a sink is swallowed
// after logging, since the subsystem is exiting anyway.
func (p *SinkPool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	close(p.done)
	p.mu.Unlock()

	for i := 0; i < p.size; i++ {
		var slot *sinkSlot
		select {
		case slot = <-p.free:
		case <-ctx.Done():
			p.logger.Warn("sink pool shutdown interrupted, remaining sinks left undrained", logging.LogFields{
				"collected": i,
				"total":     p.size,
			})
			return
		}
		if slot.sink == nil {
			continue
		}
		if err := slot.sink.Dispose(ctx); err != nil {
			var interrupted *engineerrors.DisposeInterruptedError
			if errors.As(err, &interrupted) {
				p.logger.Warn("sink disposal interrupted during pool shutdown", logging.LogFields{
					"sink": slot.sink.Name(),
				})
				continue
			}
			p.logger.Error("disposing sink during pool shutdown", err, logging.LogFields{
				"sink": slot.sink.Name(),
			})
		}
		slot.sink = nil
	}
}
