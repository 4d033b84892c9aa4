package engine

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/fluxpipe/fluxpipe/internal/engine/ids"
)

// EventContext identifies one causal chain of processing. Child contexts are
// derived for policy-chain submissions so later steps observe a distinct
// causal context, and results are translated back to the parent before they
// surface to the caller.
type EventContext struct {
	ID       string
	ParentID string
}

// NewEventContext returns a fresh root context with a ULID identifier.
func NewEventContext() *EventContext {
	return &EventContext{ID: ids.CreateULID()}
}

// Child derives a context whose parent is c.
func (c *EventContext) Child() *EventContext {
	return &EventContext{ID: ids.CreateULID(), ParentID: c.ID}
}

// Event is the unit of work flowing through the pipeline. It pairs a message
// (payload plus metadata) with a processing context and an internal-parameter
// map used to pass collaborators across chain boundaries without widening the
// message schema.
//
// Events are value-like: transformations produce new events via QuickCopy
// and the With* helpers rather than mutating in place. The message itself is
// shared between copies.
type Event struct {
	msg      *message.Message
	ctx      *EventContext
	internal map[string]any
}

// NewEvent wraps a message into an event with a fresh root context.
func NewEvent(msg *message.Message) *Event {
	if msg == nil {
		msg = message.NewMessage(ids.CreateULID(), nil)
	}
	return &Event{msg: msg, ctx: NewEventContext()}
}

// Message returns the event's message. Callers must not replace the payload;
// use WithMessage to produce a transformed event.
func (e *Event) Message() *message.Message { return e.msg }

// Context returns the event's processing context.
func (e *Event) Context() *EventContext { return e.ctx }

// InternalParameter looks up an internal parameter, returning nil when the
// key is absent.
func (e *Event) InternalParameter(key string) any {
	if e.internal == nil {
		return nil
	}
	return e.internal[key]
}

// WithMessage returns a copy of the event carrying msg. Internal parameters
// and the context are shared with the original.
func (e *Event) WithMessage(msg *message.Message) *Event {
	clone := *e
	clone.msg = msg
	return &clone
}

// WithContext returns a copy of the event bound to ctx.
func (e *Event) WithContext(ctx *EventContext) *Event {
	clone := *e
	clone.ctx = ctx
	return &clone
}

// QuickCopy returns a copy of the event with params merged into its
// internal-parameter map. The original event is left untouched; the message
// and context are shared.
func QuickCopy(e *Event, params map[string]any) *Event {
	merged := make(map[string]any, len(e.internal)+len(params))
	for k, v := range e.internal {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	clone := *e
	clone.internal = merged
	return &clone
}

type ambientKey int

const eventIDKey ambientKey = iota

// ContextWithEventID attaches an event context id to ctx. The engine attaches
// the id at ingress so downstream stages and the thread-attribution decorator
// can read it from ambient context even when it was set out-of-band.
func ContextWithEventID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, eventIDKey, id)
}

// EventIDFromContext reads the event context id attached by
// ContextWithEventID.
func EventIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(eventIDKey).(string)
	return id, ok
}
