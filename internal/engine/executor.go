package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	engineerrors "github.com/fluxpipe/fluxpipe/internal/engine/errors"
	"github.com/fluxpipe/fluxpipe/internal/engine/logging"
)

// Executor runs submitted tasks asynchronously on a bounded set of workers.
// Implementations must be safe for concurrent use.
type Executor interface {
	// Name identifies the pool, e.g. "fluxpipe.blocking".
	Name() string

	// Execute schedules task to run on one of the executor's workers. It
	// returns ErrExecutorShutdown when the executor no longer accepts work.
	Execute(task func()) error
}

// PoolProvider supplies ready-to-use executors partitioned by cost class.
// The provider is an external collaborator; the engine obtains each pool once
// and reuses it for the lifetime of the pipeline.
type PoolProvider interface {
	Executor(class ProcessingCostClass, namePrefix string) Executor
}

// GoroutinePoolProvider is the built-in PoolProvider backed by fixed-size
// goroutine worker pools, one per cost class. Pools are created lazily on
// first request and shared afterwards.
type GoroutinePoolProvider struct {
	mu    sync.Mutex
	sizes map[ProcessingCostClass]int
	pools map[string]*workerPool
}

// NewGoroutinePoolProvider builds a provider with the given worker counts per
// class. Counts below one fall back to a single worker.
func NewGoroutinePoolProvider(light, blocking, cpuIntensive int) *GoroutinePoolProvider {
	return &GoroutinePoolProvider{
		sizes: map[ProcessingCostClass]int{
			CostLight:        light,
			CostBlocking:     blocking,
			CostCPUIntensive: cpuIntensive,
		},
		pools: make(map[string]*workerPool),
	}
}

// Executor returns the pool for the given class, creating it on first use.
func (p *GoroutinePoolProvider) Executor(class ProcessingCostClass, namePrefix string) Executor {
	name := fmt.Sprintf("%s.%s", namePrefix, class)

	p.mu.Lock()
	defer p.mu.Unlock()

	if pool, ok := p.pools[name]; ok {
		return pool
	}
	size := p.sizes[class]
	if size < 1 {
		size = 1
	}
	pool := newWorkerPool(name, size)
	p.pools[name] = pool
	return pool
}

// Shutdown stops every pool created by the provider and waits for running
// tasks to finish. The wait is bounded by ctx: on cancellation the pools stop
// accepting work but their workers are abandoned mid-task.
func (p *GoroutinePoolProvider) Shutdown(ctx context.Context) {
	p.mu.Lock()
	pools := make([]*workerPool, 0, len(p.pools))
	for _, pool := range p.pools {
		pools = append(pools, pool)
	}
	p.mu.Unlock()

	for _, pool := range pools {
		pool.shutdown(ctx)
	}
}

// workerPool is a fixed-size executor: size workers draining one task queue.
type workerPool struct {
	name  string
	tasks chan func()
	quit  chan struct{}
	wg    sync.WaitGroup

	// mu guards closed and submitter registration; it is not held across the
	// queue send, so shutdown never waits behind a parked Execute.
	mu      sync.RWMutex
	closed  bool
	senders sync.WaitGroup
}

func newWorkerPool(name string, size int) *workerPool {
	p := &workerPool{
		name:  name,
		tasks: make(chan func(), size),
		quit:  make(chan struct{}),
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

func (p *workerPool) Name() string { return p.name }

func (p *workerPool) Execute(task func()) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return engineerrors.ErrExecutorShutdown
	}
	p.senders.Add(1)
	p.mu.RUnlock()
	defer p.senders.Done()

	select {
	case p.tasks <- task:
		return nil
	case <-p.quit:
		return engineerrors.ErrExecutorShutdown
	}
}

func (p *workerPool) shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.quit)
	p.mu.Unlock()

	// Parked submitters unblock via quit; the queue is closed only once they
	// are out.
	p.senders.Wait()
	close(p.tasks)

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
	}
}

// threadLoggingExecutor decorates an executor so every dispatched task is
// recorded against the originating event's context id: queue wait and run
// duration, keyed by pool name. Decoration only observes, it never alters
// task semantics.
type threadLoggingExecutor struct {
	inner     Executor
	contextID string
	logger    logging.ServiceLogger
}

func newThreadLoggingExecutor(inner Executor, contextID string, logger logging.ServiceLogger) Executor {
	return &threadLoggingExecutor{inner: inner, contextID: contextID, logger: logger}
}

func (t *threadLoggingExecutor) Name() string { return t.inner.Name() }

func (t *threadLoggingExecutor) Execute(task func()) error {
	scheduled := time.Now()
	return t.inner.Execute(func() {
		started := time.Now()
		task()
		t.logger.Debug("dispatched task", logging.LogFields{
			"event_context_id": t.contextID,
			"pool":             t.inner.Name(),
			"queue_wait":       started.Sub(scheduled).String(),
			"elapsed":          time.Since(started).String(),
		})
	})
}
