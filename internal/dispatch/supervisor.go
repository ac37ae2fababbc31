package dispatch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/reflex/internal/observability"
)

const supervisorSteadyRun = time.Minute

// Supervisor restarts the dispatch loop with exponential backoff when it
// exits with an error, so transient store failures never take the consumer
// down for good.
type Supervisor struct {
	loop *Loop
}

// NewSupervisor wraps a loop with restart-on-failure.
func NewSupervisor(loop *Loop) *Supervisor {
	return &Supervisor{loop: loop}
}

// Run blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = time.Second
	backoffCfg.MaxInterval = 60 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		started := time.Now()
		err := s.loop.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}

		// A loop that ran steadily before failing earned a fresh budget.
		if time.Since(started) > supervisorSteadyRun {
			backoffCfg.Reset()
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = backoffCfg.MaxInterval
		}
		observability.Log().Error("dispatch loop failed, restarting",
			observability.F("error", err),
			observability.F("restart_in", sleep),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}
