package trigger

import (
	"context"

	"github.com/coachpo/reflex/internal/schema"
)

// PublishFunc inserts a new event into the store.
type PublishFunc func(ctx context.Context, evt schema.Event) error

// Context is the runtime surface a handler sees: the triggering event, the
// scope it runs under, and a publish function for derived events.
type Context struct {
	event   schema.Event
	scope   string
	publish PublishFunc
}

// NewContext builds a handler context for one trigger invocation.
func NewContext(evt schema.Event, scope string, publish PublishFunc) *Context {
	return &Context{event: evt, scope: scope, publish: publish}
}

// Event returns the triggering event. Handlers must not mutate it.
func (c *Context) Event() schema.Event { return c.event }

// Scope returns the serialization scope chosen by the trigger.
func (c *Context) Scope() string { return c.scope }

// Publish inserts a new event into the store.
func (c *Context) Publish(ctx context.Context, evt schema.Event) error {
	return c.publish(ctx, evt)
}

// Derive stamps child with causation metadata linking it to the triggering
// event, then returns it for publication.
func (c *Context) Derive(child schema.Event) schema.Event {
	DeriveMeta(c.event, child)
	return child
}

// DeriveMeta stamps child as causally derived from parent: causation_id is
// the parent's id, correlation_id is inherited (falling back to the parent's
// id when the parent starts the workflow), and the trace id is propagated.
func DeriveMeta(parent, child schema.Event) {
	parentMeta := parent.EventMeta()
	meta := child.EventMeta()
	meta.CausationID = parent.EventID()
	meta.CorrelationID = parentMeta.CorrelationID
	if meta.CorrelationID == "" {
		meta.CorrelationID = parent.EventID()
	}
	if parentMeta.TraceID != "" {
		meta.TraceID = parentMeta.TraceID
	}
	child.SetEventMeta(meta)
}
