package integration_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/reflex/internal/dispatch"
	"github.com/coachpo/reflex/internal/filter"
	"github.com/coachpo/reflex/internal/lock"
	"github.com/coachpo/reflex/internal/schema"
	"github.com/coachpo/reflex/internal/scripthandler"
	"github.com/coachpo/reflex/internal/store"
	"github.com/coachpo/reflex/internal/trigger"
)

func newStore(t *testing.T, maxAttempts int) *store.MemoryStore {
	t.Helper()
	return store.NewMemory(store.Config{
		MaxAttempts:       maxAttempts,
		RetryBaseDelay:    time.Millisecond,
		RetryMaxDelay:     10 * time.Millisecond,
		NotifyPollTimeout: 20 * time.Millisecond,
	})
}

func startLoop(t *testing.T, loop *dispatch.Loop) (context.Context, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	return ctx, func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("dispatch loop did not stop")
		}
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond, msg)
}

func TestEndToEndRetryDeadLetterRecovery(t *testing.T) {
	st := newStore(t, 2)
	locks := lock.NewLocal(1)

	var mu sync.Mutex
	deliveries := 0
	healthy := false

	registry := trigger.NewRegistry()
	require.NoError(t, registry.Register(&trigger.Trigger{
		Name:   "flaky-consumer",
		Filter: filter.Type(schema.KindWSMessage),
		Handler: trigger.HandlerFunc(func(_ context.Context, hctx *trigger.Context) error {
			mu.Lock()
			defer mu.Unlock()
			deliveries++
			if !healthy {
				return fmt.Errorf("downstream unavailable")
			}
			return nil
		}),
	}))

	loop, err := dispatch.NewLoop(st, registry, locks, dispatch.Config{
		Kinds: []string{schema.KindWSMessage},
	})
	require.NoError(t, err)
	ctx, stop := startLoop(t, loop)
	defer stop()

	evt := schema.NewWSMessage("e2e", "conn-1", "payload")
	require.NoError(t, st.Publish(ctx, evt))

	// Exhausts the retry budget and lands in the DLQ.
	waitFor(t, func() bool {
		rec, ok := st.Lookup(evt.EventID())
		return ok && rec.Status == store.StatusDLQ
	}, "event never dead-lettered")
	mu.Lock()
	require.Equal(t, 2, deliveries)
	mu.Unlock()

	// Operator fixes the downstream and requeues.
	mu.Lock()
	healthy = true
	mu.Unlock()
	moved, err := st.DLQRetry(ctx, evt.EventID())
	require.NoError(t, err)
	require.True(t, moved)

	waitFor(t, func() bool {
		rec, ok := st.Lookup(evt.EventID())
		return ok && rec.Status == store.StatusCompleted
	}, "requeued event never completed")
	mu.Lock()
	require.Equal(t, 3, deliveries)
	mu.Unlock()
}

func TestEndToEndMultiWorkerNoDuplicates(t *testing.T) {
	st := newStore(t, 3)

	var mu sync.Mutex
	handled := make(map[string]int)

	newWorker := func(name string) *dispatch.Loop {
		registry := trigger.NewRegistry()
		require.NoError(t, registry.Register(&trigger.Trigger{
			Name:   name,
			Filter: filter.Type(schema.KindTimerTick),
			Handler: trigger.HandlerFunc(func(_ context.Context, hctx *trigger.Context) error {
				mu.Lock()
				handled[hctx.Event().EventID()]++
				mu.Unlock()
				return nil
			}),
		}))
		loop, err := dispatch.NewLoop(st, registry, lock.NewLocal(1), dispatch.Config{
			Kinds:          []string{schema.KindTimerTick},
			ClaimBatchSize: 4,
		})
		require.NoError(t, err)
		return loop
	}

	ctx, stopA := startLoop(t, newWorker("worker-a"))
	defer stopA()
	_, stopB := startLoop(t, newWorker("worker-b"))
	defer stopB()

	const total = 40
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		evt := schema.NewTimerTick("e2e-workers", "tick", int64(i))
		require.NoError(t, st.Publish(ctx, evt))
		ids = append(ids, evt.EventID())
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == total
	}, "not all events handled")

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		require.Equal(t, 1, handled[id], "event %s handled more than once", id)
	}
}

func TestEndToEndScriptTriggerPipeline(t *testing.T) {
	st := newStore(t, 3)
	locks := lock.NewLocal(1)

	const script = `
function handle(event, scope) {
	if (event.content === "reject") {
		throw "rejected by policy";
	}
	emit({
		type: "lifecycle",
		action: "started",
		details: "processed " + event.connection_id,
	});
}
`
	handler, err := scripthandler.New("policy", script)
	require.NoError(t, err)

	var mu sync.Mutex
	var details []string

	registry := trigger.NewRegistry()
	require.NoError(t, registry.Register(&trigger.Trigger{
		Name:    "policy",
		Filter:  filter.Type(schema.KindWSMessage),
		Handler: handler,
	}))
	require.NoError(t, registry.Register(&trigger.Trigger{
		Name:   "audit",
		Filter: filter.Type(schema.KindLifecycle),
		Scope:  func(schema.Event) string { return "audit" },
		Handler: trigger.HandlerFunc(func(_ context.Context, hctx *trigger.Context) error {
			mu.Lock()
			details = append(details, hctx.Event().(*schema.Lifecycle).Details)
			mu.Unlock()
			return nil
		}),
	}))

	loop, err := dispatch.NewLoop(st, registry, locks, dispatch.Config{
		Kinds: []string{schema.KindWSMessage, schema.KindLifecycle},
	})
	require.NoError(t, err)
	ctx, stop := startLoop(t, loop)
	defer stop()

	ok := schema.NewWSMessage("e2e-script", "conn-ok", "fine")
	bad := schema.NewWSMessage("e2e-script", "conn-bad", "reject")
	require.NoError(t, st.Publish(ctx, ok))
	require.NoError(t, st.Publish(ctx, bad))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, d := range details {
			if d == "processed conn-ok" {
				return true
			}
		}
		return false
	}, "derived lifecycle event never handled")

	waitFor(t, func() bool {
		rec, ok := st.Lookup(bad.EventID())
		return ok && rec.Status == store.StatusDLQ
	}, "rejected event never dead-lettered")
	rec, found := st.Lookup(bad.EventID())
	require.True(t, found)
	require.Contains(t, rec.Error, "rejected by policy")
}
