package engine

import (
	"context"
	"time"

	"github.com/fluxpipe/fluxpipe/internal/engine/logging"
)

// StageFunc applies one transformation to an event. A non-nil error
// terminates the owning pipeline instance's subscription.
type StageFunc func(ctx context.Context, evt *Event) (*Event, error)

// Stage pairs a transformation with its declared processing cost class.
type Stage struct {
	Name  string
	Class ProcessingCostClass
	Apply StageFunc
}

// ProactorDispatcher schedules pipeline stages onto the executor pool
// matching their cost class: cheap work stays on the shared light pool while
// blocking and cpu-intensive slices are off-loaded to dedicated pools, with
// the continuation pinned to the same pool so the remainder of the stage's
// synchronous work does not leak back onto the light pool.
type ProactorDispatcher struct {
	schedulers *SchedulerSet
	logger     logging.ServiceLogger
	metrics    *Metrics
}

// NewProactorDispatcher builds a dispatcher over the given scheduler set.
func NewProactorDispatcher(schedulers *SchedulerSet, logger logging.ServiceLogger, metrics *Metrics) *ProactorDispatcher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &ProactorDispatcher{schedulers: schedulers, logger: logger, metrics: metrics}
}

// OnStage lifts one stage into a pipeline segment whose per-event work runs
// on the pool declared by the stage's cost class. Events of one segment are
// processed strictly in submission order: the next event is not picked up
// until the previous dispatch finished.
func (d *ProactorDispatcher) OnStage(stage Stage) PipelineFunc {
	return func(in <-chan *Event) <-chan *Event {
		out := make(chan *Event)
		go func() {
			defer close(out)
			for evt := range in {
				if !d.dispatch(stage, evt, out) {
					return
				}
			}
		}()
		return out
	}
}

// dispatch runs one stage application on the matching pool. It reports false
// when the segment must terminate: the stage returned an error or the
// executor rejected the task. The stage's synchronous work runs entirely on
// its own pool; the hand-off to the next segment happens here, on the segment
// goroutine, so a worker is never held hostage by downstream back-pressure.
func (d *ProactorDispatcher) dispatch(stage Stage, evt *Event, out chan<- *Event) bool {
	ambient := evt.Message().Context()
	exec := d.schedulers.ExecutorFor(stage.Class, ambient)

	done := make(chan struct{})
	var result *Event
	var failure error

	err := exec.Execute(func() {
		defer close(done)
		started := time.Now()
		result, failure = stage.Apply(ambient, evt)
		d.metrics.StageObserved(stage.Class, stage.Name, time.Since(started))
	})
	if err != nil {
		d.logger.Error("scheduling stage", err, logging.LogFields{
			"stage": stage.Name,
			"class": stage.Class.String(),
		})
		return false
	}

	<-done
	if failure != nil {
		d.logger.Error("stage failed, terminating pipeline instance", failure, logging.LogFields{
			"stage":            stage.Name,
			"class":            stage.Class.String(),
			"event_context_id": evt.Context().ID,
		})
		return false
	}
	out <- result
	return true
}

// OnPipeline hops execution onto the light pool once before the transformed
// pipeline begins, normalizing the inbound calling thread. The hop is a
// round-trip through the pool; the event itself is forwarded from the
// boundary goroutine so back-pressure from the first segment parks the
// boundary, not a light worker.
func (d *ProactorDispatcher) OnPipeline(pipeline PipelineFunc) PipelineFunc {
	return func(in <-chan *Event) <-chan *Event {
		hopped := make(chan *Event)
		go func() {
			defer close(hopped)
			light := d.schedulers.Get(CostLight)
			for evt := range in {
				done := make(chan struct{})
				if err := light.Execute(func() {
					close(done)
				}); err != nil {
					d.logger.Error("scheduling pipeline boundary hop", err, nil)
					return
				}
				<-done
				hopped <- evt
			}
		}()
		return pipeline(hopped)
	}
}

// Compose chains the given stages into one pipeline function, each stage
// scheduled per its cost class.
func (d *ProactorDispatcher) Compose(stages ...Stage) PipelineFunc {
	return func(in <-chan *Event) <-chan *Event {
		stream := in
		for _, stage := range stages {
			stream = d.OnStage(stage)(stream)
		}
		return stream
	}
}
