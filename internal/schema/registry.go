package schema

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/coachpo/reflex/errs"
)

// Registry maps event discriminators to their variant types. Variants register
// once at startup; parsing a stored payload selects the variant by its
// discriminator field.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]reflect.Type
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]reflect.Type)}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-global registry the built-in variants
// register themselves into.
func DefaultRegistry() *Registry { return defaultRegistry }

// Register binds kind to the variant type of prototype. Registering the same
// variant again is a no-op; registering a different variant under an existing
// kind fails with a conflict error.
func (r *Registry) Register(kind string, prototype Event) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return errs.New("schema", errs.CodeInvalid, errs.WithMessage("event kind required"))
	}
	typ := reflect.TypeOf(prototype)
	if typ == nil || typ.Kind() != reflect.Pointer || typ.Elem().Kind() != reflect.Struct {
		return errs.New("schema", errs.CodeInvalid, errs.WithMessage("prototype must be a pointer to a struct variant"))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.kinds[kind]; ok {
		if existing == typ {
			return nil
		}
		return errs.New("schema", errs.CodeConflict,
			errs.WithMessage(fmt.Sprintf("event kind %q already registered by %s", kind, existing.Elem().Name())))
	}
	r.kinds[kind] = typ
	return nil
}

// Parse decodes raw JSON into the variant registered for its discriminator.
func (r *Registry) Parse(raw []byte) (Event, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, errs.New("schema", errs.CodeInvalid, errs.WithMessage("malformed event payload"), errs.WithCause(err))
	}
	if strings.TrimSpace(probe.Type) == "" {
		return nil, errs.New("schema", errs.CodeInvalid, errs.WithMessage("event payload missing type field"))
	}

	r.mu.RLock()
	typ, ok := r.kinds[probe.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New("schema", errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("unknown event kind %q (registered: %s)", probe.Type, strings.Join(r.Kinds(), ", "))))
	}

	value := reflect.New(typ.Elem())
	evt, ok := value.Interface().(Event)
	if !ok {
		return nil, errs.New("schema", errs.CodeInternal,
			errs.WithMessage(fmt.Sprintf("registered variant for %q does not implement Event", probe.Type)))
	}
	if err := json.Unmarshal(raw, evt); err != nil {
		return nil, errs.New("schema", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("decode %s payload", probe.Type)), errs.WithCause(err))
	}
	if evt.Kind() != probe.Type {
		return nil, errs.New("schema", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("discriminator mismatch: payload %q decoded as %q", probe.Type, evt.Kind())))
	}
	return evt, nil
}

// Kinds returns a sorted snapshot of registered discriminators.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.kinds))
	for kind := range r.kinds {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Clear removes all registered variants. Mainly for tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = make(map[string]reflect.Type)
}

// Register binds kind to prototype in the global registry.
func Register(kind string, prototype Event) error {
	return defaultRegistry.Register(kind, prototype)
}

// MustRegister registers in the global registry and panics on failure.
// Intended for init-time registration of variants.
func MustRegister(kind string, prototype Event) {
	if err := defaultRegistry.Register(kind, prototype); err != nil {
		panic(err)
	}
}

// Parse decodes raw JSON using the global registry.
func Parse(raw []byte) (Event, error) {
	return defaultRegistry.Parse(raw)
}

// Kinds lists discriminators registered in the global registry.
func Kinds() []string {
	return defaultRegistry.Kinds()
}
