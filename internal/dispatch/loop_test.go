package dispatch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/reflex/internal/dispatch"
	"github.com/coachpo/reflex/internal/filter"
	"github.com/coachpo/reflex/internal/lock"
	"github.com/coachpo/reflex/internal/schema"
	"github.com/coachpo/reflex/internal/store"
	"github.com/coachpo/reflex/internal/trigger"
)

func newMemoryStore(maxAttempts int) *store.MemoryStore {
	return store.NewMemory(store.Config{
		MaxAttempts:       maxAttempts,
		RetryBaseDelay:    time.Millisecond,
		RetryMaxDelay:     10 * time.Millisecond,
		NotifyPollTimeout: 20 * time.Millisecond,
	})
}

// startLoop runs the loop in the background and returns a stop function that
// cancels it and waits for a clean exit.
func startLoop(t *testing.T, loop *dispatch.Loop) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("loop did not stop")
		}
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestEachEventHandledExactlyOnce(t *testing.T) {
	st := newMemoryStore(3)
	registry := trigger.NewRegistry()
	locks := lock.NewLocal(1)

	var mu sync.Mutex
	handled := make(map[string]int)
	require.NoError(t, registry.Register(&trigger.Trigger{
		Name:   "counter",
		Filter: filter.Type(schema.KindWSMessage),
		Handler: trigger.HandlerFunc(func(_ context.Context, hctx *trigger.Context) error {
			mu.Lock()
			handled[hctx.Event().EventID()]++
			mu.Unlock()
			return nil
		}),
	}))

	loop, err := dispatch.NewLoop(st, registry, locks, dispatch.Config{
		Kinds: []string{schema.KindWSMessage},
	})
	require.NoError(t, err)
	stop := startLoop(t, loop)
	defer stop()

	ctx := context.Background()
	ids := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		evt := schema.NewWSMessage("ws", "c1", "msg")
		ids = append(ids, evt.EventID())
		require.NoError(t, st.Publish(ctx, evt))
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 20
	}, "not all events handled")

	mu.Lock()
	for _, id := range ids {
		require.Equal(t, 1, handled[id], "event %s handled more than once", id)
	}
	mu.Unlock()

	waitFor(t, func() bool {
		record, ok := st.Lookup(ids[0])
		return ok && record.Status == store.StatusCompleted
	}, "handled event never acked")
}

func TestSameScopeSerialized(t *testing.T) {
	st := newMemoryStore(3)
	registry := trigger.NewRegistry()
	locks := lock.NewLocal(1)

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		total   int
	)
	require.NoError(t, registry.Register(&trigger.Trigger{
		Name:   "serial",
		Filter: filter.Type(schema.KindWSMessage),
		Scope:  func(schema.Event) string { return "shared" },
		Handler: trigger.HandlerFunc(func(context.Context, *trigger.Context) error {
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			active--
			total++
			mu.Unlock()
			return nil
		}),
	}))

	loop, err := dispatch.NewLoop(st, registry, locks, dispatch.Config{
		Kinds: []string{schema.KindWSMessage},
	})
	require.NoError(t, err)
	stop := startLoop(t, loop)
	defer stop()

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		require.NoError(t, st.Publish(ctx, schema.NewWSMessage("ws", "c1", "msg")))
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return total == 6
	}, "not all events handled")

	mu.Lock()
	require.Equal(t, 1, maxSeen, "same-scope handlers overlapped")
	mu.Unlock()
}

func TestDistinctScopesRunInParallel(t *testing.T) {
	st := newMemoryStore(3)
	registry := trigger.NewRegistry()
	locks := lock.NewLocal(1)

	entered := make(chan string, 2)
	release := make(chan struct{})
	require.NoError(t, registry.Register(&trigger.Trigger{
		Name:   "parallel",
		Filter: filter.Type(schema.KindWSMessage),
		Scope: func(evt schema.Event) string {
			return evt.(*schema.WSMessage).ConnectionID
		},
		Handler: trigger.HandlerFunc(func(ctx context.Context, hctx *trigger.Context) error {
			entered <- hctx.Scope()
			select {
			case <-release:
				return nil
			case <-time.After(3 * time.Second):
				return nil
			}
		}),
	}))

	loop, err := dispatch.NewLoop(st, registry, locks, dispatch.Config{
		Kinds: []string{schema.KindWSMessage},
	})
	require.NoError(t, err)
	stop := startLoop(t, loop)
	defer stop()

	ctx := context.Background()
	require.NoError(t, st.Publish(ctx, schema.NewWSMessage("ws", "conn-a", "msg")))
	require.NoError(t, st.Publish(ctx, schema.NewWSMessage("ws", "conn-b", "msg")))

	// Both scopes must be in flight simultaneously before either releases.
	scopes := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case scope := <-entered:
			scopes[scope] = true
		case <-time.After(2 * time.Second):
			t.Fatal("distinct scopes did not run in parallel")
		}
	}
	require.Len(t, scopes, 2)
	close(release)
}

func TestTriggersRunInPriorityOrder(t *testing.T) {
	st := newMemoryStore(3)
	registry := trigger.NewRegistry()
	locks := lock.NewLocal(1)

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) trigger.Handler {
		return trigger.HandlerFunc(func(context.Context, *trigger.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}
	wsFilter := filter.Type(schema.KindWSMessage)
	require.NoError(t, registry.Register(&trigger.Trigger{Name: "low", Priority: 1, Filter: wsFilter, Handler: record("low")}))
	require.NoError(t, registry.Register(&trigger.Trigger{Name: "high", Priority: 10, Filter: wsFilter, Handler: record("high")}))
	require.NoError(t, registry.Register(&trigger.Trigger{Name: "mid", Priority: 5, Filter: wsFilter, Handler: record("mid")}))

	loop, err := dispatch.NewLoop(st, registry, locks, dispatch.Config{
		Kinds: []string{schema.KindWSMessage},
	})
	require.NoError(t, err)
	stop := startLoop(t, loop)
	defer stop()

	require.NoError(t, st.Publish(context.Background(), schema.NewWSMessage("ws", "c1", "msg")))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, "not all triggers ran")

	mu.Lock()
	require.Equal(t, []string{"high", "mid", "low"}, order)
	mu.Unlock()
}

func TestPanickingHandlerNacksToDLQ(t *testing.T) {
	st := newMemoryStore(1)
	registry := trigger.NewRegistry()
	locks := lock.NewLocal(1)

	require.NoError(t, registry.Register(&trigger.Trigger{
		Name:   "bomb",
		Filter: filter.Type(schema.KindWSMessage),
		Handler: trigger.HandlerFunc(func(context.Context, *trigger.Context) error {
			panic("kaboom")
		}),
	}))

	loop, err := dispatch.NewLoop(st, registry, locks, dispatch.Config{
		Kinds: []string{schema.KindWSMessage},
	})
	require.NoError(t, err)
	stop := startLoop(t, loop)
	defer stop()

	evt := schema.NewWSMessage("ws", "c1", "msg")
	require.NoError(t, st.Publish(context.Background(), evt))

	waitFor(t, func() bool {
		record, ok := st.Lookup(evt.EventID())
		return ok && record.Status == store.StatusDLQ
	}, "panicking handler did not dead-letter the event")

	record, _ := st.Lookup(evt.EventID())
	require.Contains(t, record.Error, "bomb:")
	require.Contains(t, record.Error, "kaboom")
}

func TestPanickingFilterNacksAndLoopSurvives(t *testing.T) {
	st := newMemoryStore(1)
	registry := trigger.NewRegistry()
	locks := lock.NewLocal(1)

	var mu sync.Mutex
	var handled []string
	require.NoError(t, registry.Register(&trigger.Trigger{
		Name: "selective",
		Filter: filter.Func(func(evt schema.Event) bool {
			if evt.(*schema.WSMessage).Content == "poison" {
				panic("filter blew up")
			}
			return true
		}),
		Handler: trigger.HandlerFunc(func(_ context.Context, hctx *trigger.Context) error {
			mu.Lock()
			handled = append(handled, hctx.Event().EventID())
			mu.Unlock()
			return nil
		}),
	}))

	loop, err := dispatch.NewLoop(st, registry, locks, dispatch.Config{
		Kinds: []string{schema.KindWSMessage},
	})
	require.NoError(t, err)
	stop := startLoop(t, loop)
	defer stop()

	poison := schema.NewWSMessage("ws", "c1", "poison")
	require.NoError(t, st.Publish(context.Background(), poison))

	waitFor(t, func() bool {
		record, ok := st.Lookup(poison.EventID())
		return ok && record.Status == store.StatusDLQ
	}, "panicking filter did not dead-letter the event")

	record, _ := st.Lookup(poison.EventID())
	require.Contains(t, record.Error, "dispatch panicked:")
	require.Contains(t, record.Error, "filter blew up")

	// The loop keeps dispatching after the panic.
	healthy := schema.NewWSMessage("ws", "c2", "fine")
	require.NoError(t, st.Publish(context.Background(), healthy))
	waitFor(t, func() bool {
		record, ok := st.Lookup(healthy.EventID())
		return ok && record.Status == store.StatusCompleted
	}, "loop stopped dispatching after filter panic")
	mu.Lock()
	require.Contains(t, handled, healthy.EventID())
	mu.Unlock()
}

func TestFailedHandlerRetriesThenSucceeds(t *testing.T) {
	st := newMemoryStore(3)
	registry := trigger.NewRegistry()
	locks := lock.NewLocal(1)

	var (
		mu       sync.Mutex
		attempts int
	)
	require.NoError(t, registry.Register(&trigger.Trigger{
		Name:   "flaky",
		Filter: filter.Type(schema.KindWSMessage),
		Handler: trigger.HandlerFunc(func(context.Context, *trigger.Context) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return context.DeadlineExceeded
			}
			return nil
		}),
	}))

	loop, err := dispatch.NewLoop(st, registry, locks, dispatch.Config{
		Kinds: []string{schema.KindWSMessage},
	})
	require.NoError(t, err)
	stop := startLoop(t, loop)
	defer stop()

	evt := schema.NewWSMessage("ws", "c1", "msg")
	require.NoError(t, st.Publish(context.Background(), evt))

	waitFor(t, func() bool {
		record, ok := st.Lookup(evt.EventID())
		return ok && record.Status == store.StatusCompleted
	}, "event never completed after retries")

	mu.Lock()
	require.Equal(t, 3, attempts)
	mu.Unlock()
}

func TestDerivedEventsCarryCausation(t *testing.T) {
	st := newMemoryStore(3)
	registry := trigger.NewRegistry()
	locks := lock.NewLocal(1)

	var (
		mu      sync.Mutex
		derived schema.Event
	)
	require.NoError(t, registry.Register(&trigger.Trigger{
		Name:   "producer",
		Filter: filter.Type(schema.KindWSMessage),
		Handler: trigger.HandlerFunc(func(ctx context.Context, hctx *trigger.Context) error {
			child := hctx.Derive(schema.NewTimerTick("producer", "followup", 1))
			return hctx.Publish(ctx, child)
		}),
	}))
	require.NoError(t, registry.Register(&trigger.Trigger{
		Name:   "consumer",
		Filter: filter.Type(schema.KindTimerTick),
		Handler: trigger.HandlerFunc(func(_ context.Context, hctx *trigger.Context) error {
			mu.Lock()
			derived = hctx.Event()
			mu.Unlock()
			return nil
		}),
	}))

	loop, err := dispatch.NewLoop(st, registry, locks, dispatch.Config{
		Kinds: []string{schema.KindWSMessage, schema.KindTimerTick},
	})
	require.NoError(t, err)
	stop := startLoop(t, loop)
	defer stop()

	parent := schema.NewWSMessage("ws", "c1", "msg")
	require.NoError(t, st.Publish(context.Background(), parent))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return derived != nil
	}, "derived event never dispatched")

	mu.Lock()
	meta := derived.EventMeta()
	mu.Unlock()
	require.Equal(t, parent.EventID(), meta.CausationID)
	require.Equal(t, parent.EventID(), meta.CorrelationID)
	require.Equal(t, parent.EventMeta().TraceID, meta.TraceID)
}

func TestUnmatchedEventsAckImmediately(t *testing.T) {
	st := newMemoryStore(3)
	registry := trigger.NewRegistry()
	locks := lock.NewLocal(1)

	require.NoError(t, registry.Register(&trigger.Trigger{
		Name:   "timer-only",
		Filter: filter.Type(schema.KindTimerTick),
		Handler: trigger.HandlerFunc(func(context.Context, *trigger.Context) error {
			t.Error("handler must not run for unmatched events")
			return nil
		}),
	}))

	loop, err := dispatch.NewLoop(st, registry, locks, dispatch.Config{
		Kinds: []string{schema.KindWSMessage},
	})
	require.NoError(t, err)
	stop := startLoop(t, loop)
	defer stop()

	evt := schema.NewWSMessage("ws", "c1", "nobody cares")
	require.NoError(t, st.Publish(context.Background(), evt))

	waitFor(t, func() bool {
		record, ok := st.Lookup(evt.EventID())
		return ok && record.Status == store.StatusCompleted
	}, "unmatched event never acked")
}
