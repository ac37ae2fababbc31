// Package filter implements the predicate algebra triggers match events with.
//
// Stateless filters (Type, Source, Keyword, And, Or, Not) are safe for
// concurrent use by construction. Stateful filters (RateLimit, Dedupe) carry
// their own synchronization because multiple dispatch workers may evaluate
// the same trigger's filter simultaneously.
package filter

import (
	"regexp"
	"strings"

	"github.com/coachpo/reflex/internal/schema"
)

// Filter decides whether an event is interesting to a trigger.
type Filter interface {
	Matches(evt schema.Event) bool
}

// Func adapts a plain function to the Filter interface.
type Func func(evt schema.Event) bool

// Matches invokes the wrapped function.
func (f Func) Matches(evt schema.Event) bool { return f(evt) }

// TypeFilter matches events whose discriminator is in the allowed set.
type TypeFilter struct {
	kinds map[string]struct{}
}

// Type constructs a TypeFilter for the given event kinds.
func Type(kinds ...string) *TypeFilter {
	set := make(map[string]struct{}, len(kinds))
	for _, kind := range kinds {
		set[kind] = struct{}{}
	}
	return &TypeFilter{kinds: set}
}

// Matches reports whether the event kind is in the allowed set.
func (f *TypeFilter) Matches(evt schema.Event) bool {
	_, ok := f.kinds[evt.Kind()]
	return ok
}

// SourceFilter matches events whose source matches a regular expression.
type SourceFilter struct {
	pattern *regexp.Regexp
}

// Source compiles the pattern into a SourceFilter.
func Source(pattern string) (*SourceFilter, error) {
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &SourceFilter{pattern: compiled}, nil
}

// MustSource compiles the pattern and panics on error. For static patterns.
func MustSource(pattern string) *SourceFilter {
	return &SourceFilter{pattern: regexp.MustCompile(pattern)}
}

// Matches reports whether the event source matches the pattern.
func (f *SourceFilter) Matches(evt schema.Event) bool {
	return f.pattern.MatchString(evt.EventSource())
}

// KeywordFilter matches events whose serialized form contains any keyword.
type KeywordFilter struct {
	keywords      []string
	caseSensitive bool
}

// Keyword constructs a KeywordFilter searching the event's JSON form.
func Keyword(caseSensitive bool, keywords ...string) *KeywordFilter {
	normalized := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if !caseSensitive {
			kw = strings.ToLower(kw)
		}
		normalized = append(normalized, kw)
	}
	return &KeywordFilter{keywords: normalized, caseSensitive: caseSensitive}
}

// Matches serializes the event and searches for any keyword.
func (f *KeywordFilter) Matches(evt schema.Event) bool {
	raw, err := schema.Encode(evt)
	if err != nil {
		return false
	}
	haystack := string(raw)
	if !f.caseSensitive {
		haystack = strings.ToLower(haystack)
	}
	for _, kw := range f.keywords {
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

// AndFilter matches when all children match. Short-circuits on first miss.
type AndFilter struct {
	filters []Filter
}

// And combines filters with AND logic.
func And(filters ...Filter) *AndFilter {
	return &AndFilter{filters: filters}
}

// Matches reports whether every child filter matches.
func (f *AndFilter) Matches(evt schema.Event) bool {
	for _, child := range f.filters {
		if !child.Matches(evt) {
			return false
		}
	}
	return true
}

// OrFilter matches when at least one child matches. Short-circuits on first hit.
type OrFilter struct {
	filters []Filter
}

// Or combines filters with OR logic.
func Or(filters ...Filter) *OrFilter {
	return &OrFilter{filters: filters}
}

// Matches reports whether any child filter matches.
func (f *OrFilter) Matches(evt schema.Event) bool {
	for _, child := range f.filters {
		if child.Matches(evt) {
			return true
		}
	}
	return false
}

// NotFilter negates its child.
type NotFilter struct {
	filter Filter
}

// Not negates a filter.
func Not(f Filter) *NotFilter {
	return &NotFilter{filter: f}
}

// Matches reports whether the child filter does NOT match.
func (f *NotFilter) Matches(evt schema.Event) bool {
	return !f.filter.Matches(evt)
}
