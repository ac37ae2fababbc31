// Package scripthandler runs trigger handlers written in JavaScript, so
// reaction logic can ship in configuration instead of a rebuild.
package scripthandler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/reflex/errs"
	"github.com/coachpo/reflex/internal/schema"
	"github.com/coachpo/reflex/internal/trigger"
)

// Handler executes a compiled script for each triggering event. The script
// must define a global function:
//
//	function handle(event, scope) { ... }
//
// Within handle, the host function emit(object) publishes a derived event;
// the object needs a "type" discriminator and any payload fields, while id,
// source, and timestamp are filled in when absent. A thrown exception marks
// the delivery failed.
type Handler struct {
	name     string
	registry *schema.Registry

	mu       sync.Mutex
	rt       *goja.Runtime
	handleFn goja.Callable
}

// Option customizes a Handler.
type Option func(*Handler)

// WithRegistry overrides the registry used to decode emitted events.
func WithRegistry(registry *schema.Registry) Option {
	return func(h *Handler) { h.registry = registry }
}

// New compiles source and binds its handle function.
func New(name, source string, opts ...Option) (*Handler, error) {
	if name == "" {
		return nil, errs.New("scripthandler", errs.CodeInvalid, errs.WithMessage("name required"))
	}
	program, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, fmt.Errorf("scripthandler: compile %s: %w", name, err)
	}

	rt := goja.New()
	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("scripthandler: execute %s: %w", name, err)
	}
	handleFn, ok := goja.AssertFunction(rt.Get("handle"))
	if !ok {
		return nil, errs.New("scripthandler", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("script %s does not define handle(event, scope)", name)))
	}

	h := &Handler{
		name:     name,
		registry: schema.DefaultRegistry(),
		rt:       rt,
		handleFn: handleFn,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Name returns the script identifier used in diagnostics.
func (h *Handler) Name() string { return h.name }

// Handle implements trigger.Handler. The runtime is single-threaded; the
// mutex serializes invocations across scopes.
func (h *Handler) Handle(ctx context.Context, hctx *trigger.Context) error {
	payload, err := schema.Encode(hctx.Event())
	if err != nil {
		return fmt.Errorf("scripthandler: %s: %w", h.name, err)
	}
	var eventObj map[string]any
	if err := json.Unmarshal(payload, &eventObj); err != nil {
		return fmt.Errorf("scripthandler: %s: decode event: %w", h.name, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var emitErr error
	emit := func(call goja.FunctionCall) goja.Value {
		if emitErr != nil {
			return goja.Undefined()
		}
		if err := h.emit(ctx, hctx, call.Argument(0).Export()); err != nil {
			emitErr = err
			panic(h.rt.NewGoError(err))
		}
		return goja.Undefined()
	}
	if err := h.rt.Set("emit", emit); err != nil {
		return fmt.Errorf("scripthandler: %s: bind emit: %w", h.name, err)
	}

	_, err = h.handleFn(goja.Undefined(), h.rt.ToValue(eventObj), h.rt.ToValue(hctx.Scope()))
	if emitErr != nil {
		return fmt.Errorf("scripthandler: %s: emit: %w", h.name, emitErr)
	}
	if err != nil {
		var exception *goja.Exception
		if errors.As(err, &exception) {
			return fmt.Errorf("scripthandler: %s: %s", h.name, exception.Value().String())
		}
		return fmt.Errorf("scripthandler: %s: %w", h.name, err)
	}
	return nil
}

// emit decodes a script-provided object into a typed event, stamps it as
// derived from the triggering event, and publishes it.
func (h *Handler) emit(ctx context.Context, hctx *trigger.Context, raw any) error {
	obj, ok := raw.(map[string]any)
	if !ok {
		return errs.New("scripthandler", errs.CodeInvalid,
			errs.WithMessage("emit expects an object"))
	}
	if _, ok := obj["id"]; !ok {
		obj["id"] = uuid.NewString()
	}
	if _, ok := obj["source"]; !ok {
		obj["source"] = "script:" + h.name
	}
	if _, ok := obj["timestamp"]; !ok {
		obj["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("encode emitted object: %w", err)
	}
	evt, err := h.registry.Parse(data)
	if err != nil {
		return err
	}
	return hctx.Publish(ctx, hctx.Derive(evt))
}
