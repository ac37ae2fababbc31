// Package dispatch runs the delivery loop: claimed events are matched
// against registered triggers and their handlers execute under scoped locks.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/reflex/errs"
	"github.com/coachpo/reflex/internal/lock"
	"github.com/coachpo/reflex/internal/observability"
	"github.com/coachpo/reflex/internal/schema"
	"github.com/coachpo/reflex/internal/store"
	"github.com/coachpo/reflex/internal/telemetry"
	"github.com/coachpo/reflex/internal/trigger"
)

// Config tunes the dispatch loop.
type Config struct {
	// MaxConcurrent caps how many events are processed in parallel.
	MaxConcurrent int

	// ClaimBatchSize is passed through to the store subscription.
	ClaimBatchSize int

	// Kinds restricts the subscription; empty means every kind.
	Kinds []string

	// LockWaitTimeout bounds how long a handler waits for its scope lock.
	LockWaitTimeout time.Duration

	// DrainTimeout bounds how long shutdown waits for in-flight handlers.
	DrainTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.ClaimBatchSize <= 0 {
		c.ClaimBatchSize = 100
	}
	if c.LockWaitTimeout <= 0 {
		c.LockWaitTimeout = 30 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	return c
}

// Loop consumes claims from the store and executes matching triggers.
type Loop struct {
	store    store.Store
	registry *trigger.Registry
	locks    lock.Manager
	cfg      Config

	handledCounter  metric.Int64Counter
	handlerDuration metric.Float64Histogram
}

// NewLoop constructs a dispatch loop.
func NewLoop(st store.Store, registry *trigger.Registry, locks lock.Manager, cfg Config) (*Loop, error) {
	if st == nil {
		return nil, errs.New("dispatch", errs.CodeInvalid, errs.WithMessage("nil store"))
	}
	if registry == nil {
		return nil, errs.New("dispatch", errs.CodeInvalid, errs.WithMessage("nil trigger registry"))
	}
	if locks == nil {
		return nil, errs.New("dispatch", errs.CodeInvalid, errs.WithMessage("nil lock manager"))
	}
	l := &Loop{
		store:    st,
		registry: registry,
		locks:    locks,
		cfg:      cfg.normalized(),
	}
	l.initMetrics()
	return l, nil
}

func (l *Loop) initMetrics() {
	meter := otel.Meter("dispatch.loop")
	if counter, err := meter.Int64Counter("reflex_dispatch_handled",
		metric.WithDescription("Trigger executions by trigger name and result"),
		metric.WithUnit("{execution}")); err == nil {
		l.handledCounter = counter
	}
	if hist, err := meter.Float64Histogram("reflex_dispatch_handler_duration",
		metric.WithDescription("Handler execution time"),
		metric.WithUnit("s")); err == nil {
		l.handlerDuration = hist
	}
}

func (l *Loop) recordHandled(ctx context.Context, name, result string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		telemetry.AttrTrigger.String(name),
		telemetry.AttrResult.String(result),
		telemetry.AttrEnvironment.String(telemetry.Environment()),
	)
	if l.handledCounter != nil {
		l.handledCounter.Add(ctx, 1, attrs)
	}
	if l.handlerDuration != nil {
		l.handlerDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

// publish inserts a derived event. A duplicate id means the event is already
// durable, which is success for an at-least-once redelivery.
func (l *Loop) publish(ctx context.Context, evt schema.Event) error {
	err := l.store.Publish(ctx, evt)
	if errs.IsCode(err, errs.CodeConflict) {
		return nil
	}
	return err
}

func (l *Loop) emitLifecycle(ctx context.Context, action, details string) {
	if err := l.publish(ctx, schema.NewLifecycle("dispatch", action, details)); err != nil {
		observability.Log().Warn("lifecycle event not published",
			observability.F("action", action),
			observability.F("error", err),
		)
	}
}

// Run consumes claims until ctx is cancelled or the subscription fails. A
// clean shutdown drains in-flight handlers and returns nil; a store failure
// returns the error so a supervisor can restart the loop.
func (l *Loop) Run(ctx context.Context) error {
	l.emitLifecycle(ctx, schema.LifecycleStarted, "")
	observability.Log().Info("dispatch loop started",
		observability.F("max_concurrent", l.cfg.MaxConcurrent),
		observability.F("kinds", strings.Join(l.cfg.Kinds, ",")),
	)

	claims, errCh := l.store.Subscribe(ctx, l.cfg.Kinds, l.cfg.ClaimBatchSize)
	semaphore := make(chan struct{}, l.cfg.MaxConcurrent)
	var inflight conc.WaitGroup

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err, ok := <-errCh:
			if ok && err != nil {
				runErr = err
			}
			break loop
		case claim, ok := <-claims:
			if !ok {
				break loop
			}
			select {
			case semaphore <- struct{}{}:
			case <-ctx.Done():
				break loop
			}
			inflight.Go(func() {
				defer func() { <-semaphore }()
				// Filter and scope-fn code runs outside the handler guard;
				// a panic there must fail the delivery, not the loop.
				recovered := panics.Try(func() {
					l.process(ctx, claim)
				})
				if recovered == nil {
					return
				}
				observability.Log().Error("dispatch worker panicked",
					observability.F("event_id", claim.Token),
					observability.F("panic", recovered.Value),
				)
				reason := fmt.Sprintf("dispatch panicked: %v", recovered.Value)
				if err := l.store.Nack(ctx, claim.Token, reason); err != nil {
					observability.Log().Error("nack failed",
						observability.F("event_id", claim.Token),
						observability.F("error", err),
					)
				}
			})
		}
	}

	l.drain(&inflight)

	if runErr != nil {
		// Shutdown ctx may already be gone; give the lifecycle event its
		// own deadline so the failure is still recorded.
		emitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		l.emitLifecycle(emitCtx, schema.LifecycleError, runErr.Error())
		cancel()
		return fmt.Errorf("dispatch: subscription failed: %w", runErr)
	}
	emitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	l.emitLifecycle(emitCtx, schema.LifecycleStopped, "")
	cancel()
	observability.Log().Info("dispatch loop stopped")
	return nil
}

func (l *Loop) drain(inflight *conc.WaitGroup) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		inflight.Wait()
	}()
	timer := time.NewTimer(l.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		observability.Log().Warn("drain timeout elapsed with handlers in flight",
			observability.F("timeout", l.cfg.DrainTimeout),
		)
	}
}

// process executes every matching trigger for one claim, then acks or nacks.
// Trigger failures are collected rather than short-circuiting, so one broken
// handler does not starve its siblings of the delivery.
func (l *Loop) process(ctx context.Context, claim store.Claim) {
	matched := l.registry.Match(claim.Event)
	if len(matched) == 0 {
		if err := l.store.Ack(ctx, claim.Token); err != nil {
			observability.Log().Error("ack failed",
				observability.F("event_id", claim.Token),
				observability.F("error", err),
			)
		}
		return
	}

	var failures []string
	for _, tr := range matched {
		if err := l.runTrigger(ctx, tr, claim.Event); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", tr.Name, err))
		}
	}

	if len(failures) > 0 {
		reason := strings.Join(failures, "; ")
		if err := l.store.Nack(ctx, claim.Token, reason); err != nil {
			observability.Log().Error("nack failed",
				observability.F("event_id", claim.Token),
				observability.F("error", err),
			)
		}
		return
	}
	if err := l.store.Ack(ctx, claim.Token); err != nil {
		observability.Log().Error("ack failed",
			observability.F("event_id", claim.Token),
			observability.F("error", err),
		)
	}
}

func (l *Loop) runTrigger(ctx context.Context, tr *trigger.Trigger, evt schema.Event) error {
	scope := tr.ScopeOf(evt)
	start := time.Now()

	acquired, err := l.locks.Acquire(ctx, scope, l.cfg.LockWaitTimeout)
	if err != nil {
		l.recordHandled(ctx, tr.Name, "lock_error", time.Since(start))
		return fmt.Errorf("acquire lock %q: %w", scope, err)
	}
	if !acquired {
		l.recordHandled(ctx, tr.Name, "lock_timeout", time.Since(start))
		return fmt.Errorf("lock %q not acquired within %s", scope, l.cfg.LockWaitTimeout)
	}
	defer func() {
		if err := l.locks.Release(ctx, scope); err != nil {
			observability.Log().Error("lock release failed",
				observability.F("scope", scope),
				observability.F("error", err),
			)
		}
	}()

	hctx := trigger.NewContext(evt, scope, l.publish)
	var handlerErr error
	recovered := panics.Try(func() {
		handlerErr = tr.Handler.Handle(ctx, hctx)
	})
	elapsed := time.Since(start)
	if recovered != nil {
		l.recordHandled(ctx, tr.Name, "panic", elapsed)
		observability.Log().Error("handler panicked",
			observability.F("trigger", tr.Name),
			observability.F("event_id", evt.EventID()),
			observability.F("panic", recovered.Value),
		)
		return fmt.Errorf("handler panicked: %v", recovered.Value)
	}
	if handlerErr != nil {
		l.recordHandled(ctx, tr.Name, "error", elapsed)
		return handlerErr
	}
	l.recordHandled(ctx, tr.Name, "success", elapsed)
	return nil
}
