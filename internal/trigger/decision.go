package trigger

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/reflex/internal/schema"
)

// DecisionContext accumulates events so stateful trigger logic can reason
// over recent history: windows, per-kind counts, and summaries. Each trigger
// owns its own instance; all methods are safe under concurrent dispatch.
type DecisionContext struct {
	mu             sync.Mutex
	events         []schema.Event
	lastActionTime time.Time
	now            func() time.Time
}

// NewDecisionContext constructs an empty decision context.
func NewDecisionContext() *DecisionContext {
	return &DecisionContext{now: time.Now}
}

// Add appends an event to the context.
func (d *DecisionContext) Add(evt schema.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, evt)
}

// Window returns events whose creation time falls within the lookback window.
func (d *DecisionContext) Window(lookback time.Duration) []schema.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.now().Add(-lookback)
	var recent []schema.Event
	for _, evt := range d.events {
		if !evt.EventTime().Before(cutoff) {
			recent = append(recent, evt)
		}
	}
	return recent
}

// OfKind returns accumulated events matching any of the given kinds.
func (d *DecisionContext) OfKind(kinds ...string) []schema.Event {
	set := make(map[string]struct{}, len(kinds))
	for _, kind := range kinds {
		set[kind] = struct{}{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var matched []schema.Event
	for _, evt := range d.events {
		if _, ok := set[evt.Kind()]; ok {
			matched = append(matched, evt)
		}
	}
	return matched
}

// SinceLastAction returns events accumulated after the last recorded action,
// or all events when no action has been taken.
func (d *DecisionContext) SinceLastAction() []schema.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastActionTime.IsZero() {
		out := make([]schema.Event, len(d.events))
		copy(out, d.events)
		return out
	}
	var recent []schema.Event
	for _, evt := range d.events {
		if evt.EventTime().After(d.lastActionTime) {
			recent = append(recent, evt)
		}
	}
	return recent
}

// CountByKind groups accumulated events by discriminator.
func (d *DecisionContext) CountByKind() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	counts := make(map[string]int)
	for _, evt := range d.events {
		counts[evt.Kind()]++
	}
	return counts
}

// LastActionTime returns when the last action was recorded, zero if never.
func (d *DecisionContext) LastActionTime() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastActionTime
}

// MarkAction records that an action was taken without clearing events.
func (d *DecisionContext) MarkAction() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastActionTime = d.now()
}

// Clear resets all accumulated state and records an action.
func (d *DecisionContext) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = nil
	d.lastActionTime = d.now()
}

// Summarize renders a markdown digest of accumulated events, suitable as
// handler (e.g. LLM) input.
func (d *DecisionContext) Summarize(maxEvents int) string {
	d.mu.Lock()
	events := make([]schema.Event, len(d.events))
	copy(events, d.events)
	d.mu.Unlock()

	counts := make(map[string]int)
	for _, evt := range events {
		counts[evt.Kind()]++
	}
	kinds := make([]string, 0, len(counts))
	for kind := range counts {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	var b strings.Builder
	fmt.Fprintf(&b, "## Event Summary (%d total events)\n\n", len(events))
	b.WriteString("### Event Counts by Kind\n")
	for _, kind := range kinds {
		fmt.Fprintf(&b, "- %s: %d\n", kind, counts[kind])
	}
	fmt.Fprintf(&b, "\n### Recent Events (last %d)\n", maxEvents)
	start := len(events) - maxEvents
	if start < 0 {
		start = 0
	}
	for _, evt := range events[start:] {
		fmt.Fprintf(&b, "- [%s] %s from %s\n", evt.EventTime().Format(time.RFC3339), evt.Kind(), evt.EventSource())
	}
	return b.String()
}

// Evaluation is the outcome of a decision-context evaluator.
type Evaluation struct {
	Triggered    bool
	EventCount   int
	CountsByKind map[string]int
	Summary      string
}

// Evaluator inspects a decision context and reports whether to act.
type Evaluator func(dc *DecisionContext) *Evaluation

// ErrorThreshold builds an evaluator that fires when the count of events of
// the given kinds within the lookback window reaches threshold.
func ErrorThreshold(threshold int, window time.Duration, kinds ...string) Evaluator {
	set := make(map[string]struct{}, len(kinds))
	for _, kind := range kinds {
		set[kind] = struct{}{}
	}
	return func(dc *DecisionContext) *Evaluation {
		recent := dc.Window(window)
		count := 0
		for _, evt := range recent {
			if _, ok := set[evt.Kind()]; ok {
				count++
			}
		}
		if count < threshold {
			return nil
		}
		dc.MarkAction()
		return &Evaluation{
			Triggered:  true,
			EventCount: count,
			Summary:    dc.Summarize(5),
		}
	}
}

// PeriodicSummary builds an evaluator that fires after eventCount events
// accumulate since the last action, or after maxInterval elapses with at
// least one event pending (maxInterval zero disables the time bound).
func PeriodicSummary(eventCount int, maxInterval time.Duration) Evaluator {
	return func(dc *DecisionContext) *Evaluation {
		pending := dc.SinceLastAction()
		fire := len(pending) >= eventCount
		if !fire && maxInterval > 0 {
			last := dc.LastActionTime()
			fire = !last.IsZero() && time.Since(last) >= maxInterval && len(pending) > 0
		}
		if !fire {
			return nil
		}
		ev := &Evaluation{
			Triggered:    true,
			EventCount:   len(pending),
			CountsByKind: dc.CountByKind(),
			Summary:      dc.Summarize(10),
		}
		dc.Clear()
		return ev
	}
}

// Immediate builds an evaluator that fires on every event.
func Immediate() Evaluator {
	return func(dc *DecisionContext) *Evaluation {
		pending := dc.SinceLastAction()
		dc.MarkAction()
		return &Evaluation{Triggered: true, EventCount: len(pending)}
	}
}
