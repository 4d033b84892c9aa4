package engine

import (
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/fluxpipe/fluxpipe/internal/engine/ids"
	"github.com/fluxpipe/fluxpipe/internal/engine/logging"
)

// testEvent builds an event carrying payload as message content.
func testEvent(payload string) *Event {
	return NewEvent(message.NewMessage(ids.CreateULID(), []byte(payload)))
}

// passthroughPipeline forwards every event unchanged, honoring the
// PipelineFunc contract of closing the output once the input is drained.
func passthroughPipeline(in <-chan *Event) <-chan *Event {
	out := make(chan *Event)
	go func() {
		defer close(out)
		for evt := range in {
			out <- evt
		}
	}()
	return out
}

// gatedPipeline does not consume any input until gate is closed, so the
// sink's buffer occupancy stays fully observable.
func gatedPipeline(gate <-chan struct{}) PipelineFunc {
	return func(in <-chan *Event) <-chan *Event {
		out := make(chan *Event)
		go func() {
			defer close(out)
			<-gate
			for evt := range in {
				out <- evt
			}
		}()
		return out
	}
}

// recordingPipeline forwards events and reports each payload on seen.
func recordingPipeline(seen chan<- string) PipelineFunc {
	return func(in <-chan *Event) <-chan *Event {
		out := make(chan *Event)
		go func() {
			defer close(out)
			for evt := range in {
				seen <- string(evt.Message().Payload)
				out <- evt
			}
		}()
		return out
	}
}

// terminatedPipeline completes its subscription immediately, producing a
// cancelled sink.
func terminatedPipeline(in <-chan *Event) <-chan *Event {
	out := make(chan *Event)
	close(out)
	return out
}

// inlineExecutor runs tasks synchronously on the calling goroutine and counts
// executions per pool.
type inlineExecutor struct {
	name string

	mu   sync.Mutex
	runs int
}

func (e *inlineExecutor) Name() string { return e.name }

func (e *inlineExecutor) Execute(task func()) error {
	e.mu.Lock()
	e.runs++
	e.mu.Unlock()
	task()
	return nil
}

func (e *inlineExecutor) Runs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs
}

// inlineProvider hands out one inline executor per cost class.
type inlineProvider struct {
	mu    sync.Mutex
	pools map[ProcessingCostClass]*inlineExecutor
}

func newInlineProvider() *inlineProvider {
	return &inlineProvider{pools: make(map[ProcessingCostClass]*inlineExecutor)}
}

func (p *inlineProvider) Executor(class ProcessingCostClass, namePrefix string) Executor {
	p.mu.Lock()
	defer p.mu.Unlock()
	if exec, ok := p.pools[class]; ok {
		return exec
	}
	exec := &inlineExecutor{name: namePrefix + "." + class.String()}
	p.pools[class] = exec
	return exec
}

func (p *inlineProvider) runsFor(class ProcessingCostClass) int {
	p.mu.Lock()
	exec, ok := p.pools[class]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	return exec.Runs()
}

// capturedLog is one entry recorded by capturingLogger.
type capturedLog struct {
	level  string
	msg    string
	err    error
	fields logging.LogFields
}

// capturingLogger records entries for assertions; With fields are merged into
// every subsequent entry.
type capturingLogger struct {
	mu      *sync.Mutex
	entries *[]capturedLog
	fields  logging.LogFields
}

func newCapturingLogger() *capturingLogger {
	entries := make([]capturedLog, 0)
	return &capturingLogger{mu: &sync.Mutex{}, entries: &entries}
}

func (l *capturingLogger) record(level, msg string, err error, fields logging.LogFields) {
	merged := make(logging.LogFields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.mu.Lock()
	*l.entries = append(*l.entries, capturedLog{level: level, msg: msg, err: err, fields: merged})
	l.mu.Unlock()
}

func (l *capturingLogger) With(fields logging.LogFields) logging.ServiceLogger {
	merged := make(logging.LogFields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &capturingLogger{mu: l.mu, entries: l.entries, fields: merged}
}

func (l *capturingLogger) Debug(msg string, fields logging.LogFields) { l.record("debug", msg, nil, fields) }
func (l *capturingLogger) Info(msg string, fields logging.LogFields)  { l.record("info", msg, nil, fields) }
func (l *capturingLogger) Warn(msg string, fields logging.LogFields)  { l.record("warn", msg, nil, fields) }
func (l *capturingLogger) Trace(msg string, fields logging.LogFields) { l.record("trace", msg, nil, fields) }
func (l *capturingLogger) Error(msg string, err error, fields logging.LogFields) {
	l.record("error", msg, err, fields)
}

func (l *capturingLogger) has(level, msgSubstring string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range *l.entries {
		if entry.level == level && strings.Contains(entry.msg, msgSubstring) {
			return true
		}
	}
	return false
}
