package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	libtelemetry "github.com/coachpo/reflex/lib/telemetry"

	"github.com/coachpo/reflex/internal/config"
	"github.com/coachpo/reflex/internal/dispatch"
	"github.com/coachpo/reflex/internal/filter"
	"github.com/coachpo/reflex/internal/lock"
	"github.com/coachpo/reflex/internal/migrations"
	"github.com/coachpo/reflex/internal/notify"
	"github.com/coachpo/reflex/internal/observability"
	"github.com/coachpo/reflex/internal/schema"
	"github.com/coachpo/reflex/internal/scripthandler"
	"github.com/coachpo/reflex/internal/server"
	"github.com/coachpo/reflex/internal/store"
	"github.com/coachpo/reflex/internal/telemetry"
	"github.com/coachpo/reflex/internal/timer"
	"github.com/coachpo/reflex/internal/trigger"
)

const (
	shutdownTimeout          = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	drainShutdownTimeout     = 15 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	apiReadHeaderTimeout     = 5 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the event store, dispatch loop, and HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(parent context.Context) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	telemetry.SetEnvironment(cfg.Environment)
	observability.Log().Info("configuration initialised",
		observability.F("environment", cfg.Environment),
		observability.F("triggers", len(cfg.Triggers)),
		observability.F("timers", len(cfg.Timers)))

	_, telemetryShutdown, err := libtelemetry.Init(ctx, libtelemetry.Config{
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}

	storeCfg := store.Config{
		MaxAttempts:       cfg.Events.MaxAttempts,
		RetryBaseDelay:    cfg.Events.RetryBaseDelay,
		RetryMaxDelay:     cfg.Events.RetryMaxDelay,
		NotifyPollTimeout: cfg.Events.NotifyPollTimeout,
	}

	var (
		st   store.Store
		pool *pgxpool.Pool
	)
	if cfg.DatabaseURL == "" {
		observability.Log().Warn("no database configured; using in-memory event store, events will not survive restarts")
		st = store.NewMemory(storeCfg)
	} else {
		if err := migrations.Apply(ctx, cfg.DatabaseURL); err != nil {
			return err
		}
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database pool: %w", err)
		}
		defer pool.Close()

		notifier, err := notify.NewPostgres(pool)
		if err != nil {
			return fmt.Errorf("initialise notifier: %w", err)
		}
		st, err = store.NewPostgres(pool, notifier, storeCfg)
		if err != nil {
			return fmt.Errorf("initialise event store: %w", err)
		}
	}

	locks, err := buildLockManager(cfg, pool)
	if err != nil {
		return err
	}

	registry, err := buildTriggerRegistry(cfg.Triggers)
	if err != nil {
		return err
	}

	loop, err := dispatch.NewLoop(st, registry, locks, dispatch.Config{
		MaxConcurrent:   cfg.Dispatch.MaxConcurrent,
		ClaimBatchSize:  cfg.Events.ClaimBatchSize,
		LockWaitTimeout: cfg.Dispatch.LockWaitTimeout,
		DrainTimeout:    cfg.Dispatch.DrainTimeout,
	})
	if err != nil {
		return fmt.Errorf("initialise dispatch loop: %w", err)
	}
	supervisor := dispatch.NewSupervisor(loop)

	timerSpecs := make([]timer.Spec, 0, len(cfg.Timers))
	for _, spec := range cfg.Timers {
		timerSpecs = append(timerSpecs, timer.Spec{Name: spec.Name, Schedule: spec.Schedule})
	}
	var producer *timer.Producer
	if len(timerSpecs) > 0 {
		producer, err = timer.NewProducer(ctx, st, timerSpecs)
		if err != nil {
			return fmt.Errorf("initialise timers: %w", err)
		}
	}

	var apiOpts []server.Option
	if cfg.API.RateLimitPerSecond > 0 {
		apiOpts = append(apiOpts, server.WithRateLimit(cfg.API.RateLimitPerSecond, cfg.API.RateLimitBurst))
	}
	api, err := server.New(st, apiOpts...)
	if err != nil {
		return fmt.Errorf("initialise api server: %w", err)
	}
	apiServer := &http.Server{
		Addr:              cfg.API.Addr(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: apiReadHeaderTimeout,
	}

	var lifecycle conc.WaitGroup
	var supervisorErr error
	lifecycle.Go(func() {
		supervisorErr = supervisor.Run(ctx)
		cancel()
	})
	lifecycle.Go(func() {
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			observability.Log().Error("api server failed", observability.F("error", err.Error()))
			cancel()
		}
	})
	if producer != nil {
		producer.Start()
	}

	observability.Log().Info("reflexd started", observability.F("addr", apiServer.Addr))
	<-ctx.Done()
	observability.Log().Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	shutdownStart := time.Now()

	performGracefulShutdown(shutdownCtx, gracefulShutdownConfig{
		server:            apiServer,
		lifecycle:         &lifecycle,
		producer:          producer,
		store:             st,
		locks:             locks,
		telemetryShutdown: telemetryShutdown,
	})

	observability.Log().Info("shutdown completed", observability.F("elapsed", time.Since(shutdownStart).String()))
	return supervisorErr
}

func buildLockManager(cfg config.Settings, pool *pgxpool.Pool) (lock.Manager, error) {
	switch cfg.Lock.Backend {
	case config.LockBackendAdvisory:
		if pool == nil {
			return nil, fmt.Errorf("advisory lock backend requires a database pool")
		}
		return lock.NewAdvisory(pool)
	default:
		return lock.NewLocal(cfg.Lock.Replicas), nil
	}
}

func buildTriggerRegistry(specs []config.TriggerSpec) (*trigger.Registry, error) {
	registry := trigger.NewRegistry()
	for _, spec := range specs {
		source, err := os.ReadFile(spec.Script)
		if err != nil {
			return nil, fmt.Errorf("trigger %q: read script: %w", spec.Name, err)
		}
		handler, err := scripthandler.New(spec.Name, string(source))
		if err != nil {
			return nil, err
		}
		var f filter.Filter = filter.Func(func(schema.Event) bool { return true })
		if len(spec.Kinds) > 0 {
			f = filter.Type(spec.Kinds...)
		}
		err = registry.Register(&trigger.Trigger{
			Name:     spec.Name,
			Filter:   f,
			Handler:  handler,
			Priority: spec.Priority,
		})
		if err != nil {
			return nil, err
		}
		observability.Log().Info("trigger registered",
			observability.F("trigger", spec.Name),
			observability.F("priority", spec.Priority))
	}
	return registry, nil
}

type gracefulShutdownConfig struct {
	server            *http.Server
	lifecycle         *conc.WaitGroup
	producer          *timer.Producer
	store             store.Store
	locks             lock.Manager
	telemetryShutdown func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			observability.Log().Warn("shutdown step failed",
				observability.F("step", name),
				observability.F("error", err.Error()))
		}
	}

	shutdownStep("api server", apiServerShutdownTimeout, cfg.server.Shutdown)

	if cfg.producer != nil {
		shutdownStep("timers", apiServerShutdownTimeout, func(context.Context) error {
			cfg.producer.Stop()
			return nil
		})
	}

	shutdownStep("dispatch drain", drainShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			cfg.lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for dispatch goroutines: %w", stepCtx.Err())
		}
	})

	shutdownStep("event store", apiServerShutdownTimeout, cfg.store.Close)
	shutdownStep("lock manager", apiServerShutdownTimeout, cfg.locks.Close)

	if cfg.telemetryShutdown != nil {
		shutdownStep("telemetry", telemetryShutdownTimeout, cfg.telemetryShutdown)
	}
}
