// Package trigger binds event filters to handlers and owns the registry the
// dispatch loop matches events against.
package trigger

import (
	"context"
	"sync"

	"github.com/coachpo/reflex/errs"
	"github.com/coachpo/reflex/internal/filter"
	"github.com/coachpo/reflex/internal/schema"
)

// Handler processes a matched event. Returning an error (or panicking)
// signals failure and nacks the claimed event. Handlers must be idempotent
// against redelivery.
type Handler interface {
	Handle(ctx context.Context, hctx *Context) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, hctx *Context) error

// Handle invokes the wrapped function.
func (f HandlerFunc) Handle(ctx context.Context, hctx *Context) error {
	return f(ctx, hctx)
}

// ScopeFunc extracts the serialization scope from an event.
type ScopeFunc func(evt schema.Event) string

// Trigger names a binding of a filter to a handler with a priority and a
// scope extractor. Events matching the filter run the handler serialized per
// scope key.
type Trigger struct {
	Name     string
	Filter   filter.Filter
	Handler  Handler
	Scope    ScopeFunc
	Priority int
}

// Matches reports whether this trigger's filter accepts the event.
func (t *Trigger) Matches(evt schema.Event) bool {
	return t.Filter.Matches(evt)
}

// ScopeOf returns the locking scope for the event, defaulting to its source.
func (t *Trigger) ScopeOf(evt schema.Event) string {
	if t.Scope == nil {
		return evt.EventSource()
	}
	return t.Scope(evt)
}

// Registry holds the live trigger table. Registration keeps the table sorted
// by priority descending with ties in registration order, so Match returns
// triggers in firing order without re-sorting.
type Registry struct {
	mu       sync.RWMutex
	triggers []*Trigger
}

// NewRegistry constructs an empty trigger registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register inserts the trigger, keeping priority order. Names are unique.
func (r *Registry) Register(t *Trigger) error {
	if t == nil {
		return errs.New("trigger registry", errs.CodeInvalid, errs.WithMessage("trigger required"))
	}
	if t.Name == "" {
		return errs.New("trigger registry", errs.CodeInvalid, errs.WithMessage("trigger name required"))
	}
	if t.Filter == nil {
		return errs.New("trigger registry", errs.CodeInvalid, errs.WithMessage("trigger filter required"))
	}
	if t.Handler == nil {
		return errs.New("trigger registry", errs.CodeInvalid, errs.WithMessage("trigger handler required"))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.triggers {
		if existing.Name == t.Name {
			return errs.New("trigger registry", errs.CodeConflict,
				errs.WithMessage("trigger "+t.Name+" already registered"))
		}
	}
	idx := len(r.triggers)
	for i, existing := range r.triggers {
		if t.Priority > existing.Priority {
			idx = i
			break
		}
	}
	r.triggers = append(r.triggers, nil)
	copy(r.triggers[idx+1:], r.triggers[idx:])
	r.triggers[idx] = t
	return nil
}

// Unregister removes the named trigger, reporting whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.triggers {
		if t.Name == name {
			r.triggers = append(r.triggers[:i], r.triggers[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns the named trigger, or nil.
func (r *Registry) Get(name string) *Trigger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.triggers {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// Match returns every trigger whose filter accepts the event, in priority
// order (highest first, ties by registration order).
func (r *Registry) Match(evt schema.Event) []*Trigger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []*Trigger
	for _, t := range r.triggers {
		if t.Matches(evt) {
			matched = append(matched, t)
		}
	}
	return matched
}

// Triggers returns a snapshot of all registered triggers in priority order.
func (r *Registry) Triggers() []*Trigger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make([]*Trigger, len(r.triggers))
	copy(snapshot, r.triggers)
	return snapshot
}

// Len reports the number of registered triggers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.triggers)
}

// Clear removes all triggers.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = nil
}
