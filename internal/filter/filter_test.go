package filter_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/reflex/internal/filter"
	"github.com/coachpo/reflex/internal/schema"
)

func wsEvent(source, content string) *schema.WSMessage {
	return schema.NewWSMessage(source, "conn-1", content)
}

func TestTypeFilter(t *testing.T) {
	f := filter.Type(schema.KindWSMessage, schema.KindTimerTick)
	require.True(t, f.Matches(wsEvent("s", "x")))
	require.False(t, f.Matches(schema.NewHTTPRequest("s", "GET", "/")))
}

func TestSourceFilter(t *testing.T) {
	f := filter.MustSource(`^ws:vip-`)
	require.True(t, f.Matches(wsEvent("ws:vip-42", "x")))
	require.False(t, f.Matches(wsEvent("ws:client-42", "x")))

	_, err := filter.Source(`([`)
	require.Error(t, err)
}

func TestKeywordFilter(t *testing.T) {
	f := filter.Keyword(false, "ERROR", "exception")
	require.True(t, f.Matches(wsEvent("s", "an error occurred")))
	require.False(t, f.Matches(wsEvent("s", "all good")))

	sensitive := filter.Keyword(true, "ERROR")
	require.False(t, sensitive.Matches(wsEvent("s", "an error occurred")))
	require.True(t, sensitive.Matches(wsEvent("s", "an ERROR occurred")))
}

func TestComposition(t *testing.T) {
	vipMessages := filter.And(
		filter.Type(schema.KindWSMessage),
		filter.MustSource(`^ws:vip-`),
	)
	require.True(t, vipMessages.Matches(wsEvent("ws:vip-1", "x")))
	require.False(t, vipMessages.Matches(wsEvent("ws:client-1", "x")))

	either := filter.Or(
		filter.Type(schema.KindTimerTick),
		filter.Type(schema.KindWSMessage),
	)
	require.True(t, either.Matches(wsEvent("s", "x")))

	noLifecycle := filter.Not(filter.Type(schema.KindLifecycle))
	require.True(t, noLifecycle.Matches(wsEvent("s", "x")))
	require.False(t, noLifecycle.Matches(schema.NewLifecycle("loop", schema.LifecycleStarted, "")))
}

func TestRateLimitWindow(t *testing.T) {
	f := filter.RateLimit(2, 100*time.Millisecond)
	evt := wsEvent("s", "x")

	require.True(t, f.Matches(evt))
	require.True(t, f.Matches(evt))
	require.False(t, f.Matches(evt))

	time.Sleep(120 * time.Millisecond)
	require.True(t, f.Matches(evt), "aged timestamps must be evicted")
}

func TestRateLimitIndependentInstances(t *testing.T) {
	a := filter.RateLimit(1, time.Minute)
	b := filter.RateLimit(1, time.Minute)
	evt := wsEvent("s", "x")
	require.True(t, a.Matches(evt))
	require.True(t, b.Matches(evt), "instances must not share state")
}

func TestDedupeScenario(t *testing.T) {
	f := filter.Dedupe(func(evt schema.Event) string {
		return evt.(*schema.WSMessage).Content
	}, 300*time.Second, 0)

	sequence := []string{"a", "b", "a", "c", "a"}
	admitted := make([]bool, 0, len(sequence))
	for _, key := range sequence {
		admitted = append(admitted, f.Matches(wsEvent("s", key)))
	}
	require.Equal(t, []bool{true, true, false, true, false}, admitted)
}

func TestDedupeWindowExpiry(t *testing.T) {
	f := filter.Dedupe(filter.ByEventID, 50*time.Millisecond, 0)
	evt := wsEvent("s", "x")
	require.True(t, f.Matches(evt))
	require.False(t, f.Matches(evt))
	time.Sleep(70 * time.Millisecond)
	require.True(t, f.Matches(evt), "key must age out of the window")
}

func TestDedupeMaxKeysEviction(t *testing.T) {
	f := filter.Dedupe(func(evt schema.Event) string {
		return evt.(*schema.WSMessage).Content
	}, 0, 2)

	require.True(t, f.Matches(wsEvent("s", "k1")))
	require.True(t, f.Matches(wsEvent("s", "k2")))
	require.True(t, f.Matches(wsEvent("s", "k3"))) // evicts k1
	require.True(t, f.Matches(wsEvent("s", "k1")), "least-recently-inserted key must be evicted")
	require.False(t, f.Matches(wsEvent("s", "k3")))
}

func TestStatefulFiltersConcurrentSafety(t *testing.T) {
	rate := filter.RateLimit(100, time.Minute)
	dedupe := filter.Dedupe(filter.ByEventID, 0, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				evt := wsEvent("s", "x")
				rate.Matches(evt)
				dedupe.Matches(evt)
			}
		}()
	}
	wg.Wait()
}

func TestDedupeConcurrentSingleAdmit(t *testing.T) {
	f := filter.Dedupe(filter.ByEventID, 300*time.Second, 0)
	evt := wsEvent("s", "x")

	var wg sync.WaitGroup
	results := make([]bool, 16)
	for i := range results {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = f.Matches(evt)
		}(i)
	}
	wg.Wait()

	admitted := 0
	for _, ok := range results {
		if ok {
			admitted++
		}
	}
	require.Equal(t, 1, admitted, "exactly one concurrent evaluation may admit a key")
}
