package filter

import (
	"container/list"
	"sync"
	"time"

	"github.com/coachpo/reflex/internal/schema"
)

// RateLimitFilter admits at most maxEvents accepting matches within any
// rolling window. Each instance tracks its own accepting timestamps; aged
// timestamps are evicted on every evaluation.
type RateLimitFilter struct {
	mu         sync.Mutex
	maxEvents  int
	window     time.Duration
	timestamps []time.Time
	now        func() time.Time
}

// RateLimit constructs a rolling-window rate limit filter.
func RateLimit(maxEvents int, window time.Duration) *RateLimitFilter {
	return &RateLimitFilter{
		maxEvents: maxEvents,
		window:    window,
		now:       time.Now,
	}
}

// Matches admits the event when the rolling window has capacity.
func (f *RateLimitFilter) Matches(_ schema.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	cutoff := now.Add(-f.window)

	kept := f.timestamps[:0]
	for _, ts := range f.timestamps {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}
	f.timestamps = kept

	if len(f.timestamps) >= f.maxEvents {
		return false
	}
	f.timestamps = append(f.timestamps, now)
	return true
}

// KeyFunc extracts a deduplication key from an event.
type KeyFunc func(evt schema.Event) string

// DedupeFilter rejects events whose key was already seen within the window
// (or ever, when the window is zero). The key table is insertion-ordered and
// bounded: exceeding maxKeys evicts the least-recently-inserted key.
type DedupeFilter struct {
	mu      sync.Mutex
	keyFn   KeyFunc
	window  time.Duration
	maxKeys int
	order   *list.List
	seen    map[string]*list.Element
	now     func() time.Time
}

type dedupeEntry struct {
	key  string
	seen time.Time
}

// Dedupe constructs a deduplication filter. A zero window deduplicates
// forever (bounded only by maxKeys); maxKeys <= 0 uses a default of 10000.
func Dedupe(keyFn KeyFunc, window time.Duration, maxKeys int) *DedupeFilter {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	return &DedupeFilter{
		keyFn:   keyFn,
		window:  window,
		maxKeys: maxKeys,
		order:   list.New(),
		seen:    make(map[string]*list.Element),
		now:     time.Now,
	}
}

// ByEventID is a KeyFunc deduplicating on the event id.
func ByEventID(evt schema.Event) string { return evt.EventID() }

// Matches admits the event when its key has not been seen within the window.
func (f *DedupeFilter) Matches(evt schema.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	key := f.keyFn(evt)

	if f.window > 0 {
		cutoff := now.Add(-f.window)
		for elem := f.order.Front(); elem != nil; {
			next := elem.Next()
			entry := elem.Value.(*dedupeEntry)
			if entry.seen.Before(cutoff) {
				f.order.Remove(elem)
				delete(f.seen, entry.key)
			}
			elem = next
		}
	}

	if elem, ok := f.seen[key]; ok {
		entry := elem.Value.(*dedupeEntry)
		entry.seen = now
		f.order.MoveToBack(elem)
		return false
	}

	elem := f.order.PushBack(&dedupeEntry{key: key, seen: now})
	f.seen[key] = elem

	for f.order.Len() > f.maxKeys {
		front := f.order.Front()
		entry := front.Value.(*dedupeEntry)
		f.order.Remove(front)
		delete(f.seen, entry.key)
	}
	return true
}
