// Package timer publishes periodic timer.tick events on cron schedules.
package timer

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"github.com/coachpo/reflex/errs"
	"github.com/coachpo/reflex/internal/observability"
	"github.com/coachpo/reflex/internal/schema"
	"github.com/coachpo/reflex/internal/store"
)

// Spec declares one timer: a name and a cron schedule. Standard five-field
// cron expressions and @every descriptors are accepted.
type Spec struct {
	Name     string
	Schedule string
}

// Producer publishes timer.tick events for each configured schedule. Each
// timer counts its own ticks monotonically for the process lifetime.
type Producer struct {
	store store.Store
	cron  *cron.Cron
	ctx   context.Context
}

// NewProducer validates the specs and schedules them. Call Start to begin
// ticking; publishes use ctx so shutdown cancels in-flight inserts.
func NewProducer(ctx context.Context, st store.Store, specs []Spec) (*Producer, error) {
	if st == nil {
		return nil, errs.New("timer", errs.CodeInvalid, errs.WithMessage("nil store"))
	}
	p := &Producer{
		store: st,
		cron:  cron.New(),
		ctx:   ctx,
	}
	for _, spec := range specs {
		if spec.Name == "" || spec.Schedule == "" {
			return nil, errs.New("timer", errs.CodeInvalid, errs.WithMessage("timer name and schedule required"))
		}
		fire := p.fireFunc(spec.Name)
		if _, err := p.cron.AddFunc(spec.Schedule, fire); err != nil {
			return nil, fmt.Errorf("timer: schedule %q for %s: %w", spec.Schedule, spec.Name, err)
		}
	}
	return p, nil
}

// fireFunc builds the per-timer tick publisher with its own counter.
func (p *Producer) fireFunc(name string) func() {
	var count atomic.Int64
	return func() {
		tick := count.Add(1)
		evt := schema.NewTimerTick("timer:"+name, name, tick)
		if err := p.store.Publish(p.ctx, evt); err != nil {
			observability.Log().Error("timer tick not published",
				observability.F("timer", name),
				observability.F("tick", tick),
				observability.F("error", err),
			)
		}
	}
}

// Start begins firing schedules in a background goroutine.
func (p *Producer) Start() {
	p.cron.Start()
}

// Stop halts scheduling and waits for running fires to finish.
func (p *Producer) Stop() {
	<-p.cron.Stop().Done()
}
