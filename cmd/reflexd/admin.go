package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/reflex/internal/config"
	"github.com/coachpo/reflex/internal/notify"
	"github.com/coachpo/reflex/internal/store"
	"github.com/coachpo/reflex/internal/telemetry"
)

// openStore connects the operational subcommands to the configured Postgres
// event log. The returned cleanup closes the store and the pool.
func openStore(ctx context.Context) (store.Store, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("database URL required: set databaseUrl or REFLEX_DATABASE_URL")
	}
	telemetry.SetEnvironment(cfg.Environment)

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database pool: %w", err)
	}

	notifier, err := notify.NewPostgres(pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("initialise notifier: %w", err)
	}

	st, err := store.NewPostgres(pool, notifier, store.Config{
		MaxAttempts:       cfg.Events.MaxAttempts,
		RetryBaseDelay:    cfg.Events.RetryBaseDelay,
		RetryMaxDelay:     cfg.Events.RetryMaxDelay,
		NotifyPollTimeout: cfg.Events.NotifyPollTimeout,
	})
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("initialise event store: %w", err)
	}

	cleanup := func() {
		_ = st.Close(context.Background())
		pool.Close()
	}
	return st, cleanup, nil
}
