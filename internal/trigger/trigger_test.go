package trigger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/reflex/errs"
	"github.com/coachpo/reflex/internal/filter"
	"github.com/coachpo/reflex/internal/schema"
	"github.com/coachpo/reflex/internal/trigger"
)

func noopHandler() trigger.Handler {
	return trigger.HandlerFunc(func(context.Context, *trigger.Context) error { return nil })
}

func newTrigger(name string, priority int, f filter.Filter) *trigger.Trigger {
	return &trigger.Trigger{Name: name, Filter: f, Handler: noopHandler(), Priority: priority}
}

func TestRegisterValidation(t *testing.T) {
	reg := trigger.NewRegistry()
	err := reg.Register(&trigger.Trigger{Filter: filter.Type("t"), Handler: noopHandler()})
	require.Error(t, err)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))

	err = reg.Register(&trigger.Trigger{Name: "a", Handler: noopHandler()})
	require.Error(t, err)

	err = reg.Register(&trigger.Trigger{Name: "a", Filter: filter.Type("t")})
	require.Error(t, err)
}

func TestRegisterDuplicateName(t *testing.T) {
	reg := trigger.NewRegistry()
	require.NoError(t, reg.Register(newTrigger("a", 0, filter.Type("t"))))
	err := reg.Register(newTrigger("a", 5, filter.Type("t")))
	require.Error(t, err)
	require.Equal(t, errs.CodeConflict, errs.CodeOf(err))
}

func TestMatchPriorityOrderWithTies(t *testing.T) {
	reg := trigger.NewRegistry()
	all := filter.Type(schema.KindWSMessage)
	require.NoError(t, reg.Register(newTrigger("low", 1, all)))
	require.NoError(t, reg.Register(newTrigger("high", 10, all)))
	require.NoError(t, reg.Register(newTrigger("mid-a", 5, all)))
	require.NoError(t, reg.Register(newTrigger("mid-b", 5, all)))

	matched := reg.Match(schema.NewWSMessage("s", "c", "x"))
	names := make([]string, 0, len(matched))
	for _, tr := range matched {
		names = append(names, tr.Name)
	}
	require.Equal(t, []string{"high", "mid-a", "mid-b", "low"}, names)
}

func TestMatchFiltersNonMatching(t *testing.T) {
	reg := trigger.NewRegistry()
	require.NoError(t, reg.Register(newTrigger("ws", 0, filter.Type(schema.KindWSMessage))))
	require.NoError(t, reg.Register(newTrigger("timer", 0, filter.Type(schema.KindTimerTick))))

	matched := reg.Match(schema.NewTimerTick("timer", "heartbeat", 1))
	require.Len(t, matched, 1)
	require.Equal(t, "timer", matched[0].Name)
}

func TestUnregister(t *testing.T) {
	reg := trigger.NewRegistry()
	require.NoError(t, reg.Register(newTrigger("a", 0, filter.Type("t"))))
	require.True(t, reg.Unregister("a"))
	require.False(t, reg.Unregister("a"))
	require.Nil(t, reg.Get("a"))
	require.Zero(t, reg.Len())
}

func TestGetAndClear(t *testing.T) {
	reg := trigger.NewRegistry()
	require.NoError(t, reg.Register(newTrigger("a", 0, filter.Type("t"))))
	require.NotNil(t, reg.Get("a"))
	reg.Clear()
	require.Zero(t, reg.Len())
}

func TestScopeDefaultsToSource(t *testing.T) {
	tr := newTrigger("a", 0, filter.Type(schema.KindWSMessage))
	evt := schema.NewWSMessage("ws:client-7", "conn", "x")
	require.Equal(t, "ws:client-7", tr.ScopeOf(evt))

	tr.Scope = func(evt schema.Event) string { return "user:" + evt.(*schema.WSMessage).ConnectionID }
	require.Equal(t, "user:conn", tr.ScopeOf(evt))
}
