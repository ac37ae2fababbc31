package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/reflex/errs"
	"github.com/coachpo/reflex/internal/notify"
	"github.com/coachpo/reflex/internal/observability"
	"github.com/coachpo/reflex/internal/schema"
	"github.com/coachpo/reflex/internal/telemetry"
)

const (
	eventInsertSQL = `
INSERT INTO events (id, type, source, timestamp, payload, status, attempts, created_at)
VALUES (@id, @type, @source, @timestamp, @payload, 'pending', 0, NOW());
`

	eventClaimSQL = `
UPDATE events
SET status = 'processing', attempts = attempts + 1, claimed_at = NOW()
WHERE id IN (
    SELECT id FROM events
    WHERE status = 'pending'
      AND (next_retry_at IS NULL OR next_retry_at <= NOW())
      AND (cardinality(@types::text[]) = 0 OR type = ANY(@types::text[]))
    ORDER BY timestamp
    LIMIT @batch_size
    FOR UPDATE SKIP LOCKED
)
RETURNING id, payload, attempts;
`

	eventAckSQL = `
UPDATE events
SET status = 'completed', processed_at = NOW(), claimed_at = NULL
WHERE id = @id;
`

	eventNackSQL = `
UPDATE events SET
    status = CASE
        WHEN attempts >= @max_attempts THEN 'dlq'
        ELSE 'pending'
    END,
    error = @error,
    claimed_at = NULL,
    next_retry_at = CASE
        WHEN attempts >= @max_attempts THEN NULL
        ELSE NOW() + make_interval(secs => LEAST(@base_delay * POWER(2, attempts - 1), @max_delay))
    END
WHERE id = @id;
`

	eventDeadLetterSQL = `
UPDATE events
SET status = 'dlq', error = @error, claimed_at = NULL, next_retry_at = NULL
WHERE id = @id;
`

	eventReplaySQL = `
SELECT payload FROM events
WHERE timestamp >= @start
  AND (@until::timestamptz IS NULL OR timestamp <= @until)
  AND (cardinality(@types::text[]) = 0 OR type = ANY(@types::text[]))
ORDER BY timestamp;
`

	dlqListSQL = `
SELECT id, type, source, timestamp, payload, status, attempts,
       COALESCE(error, ''), created_at, processed_at, next_retry_at, claimed_at
FROM events
WHERE status = 'dlq'
ORDER BY created_at DESC
LIMIT @limit;
`

	dlqRetrySQL = `
UPDATE events
SET status = 'pending', attempts = 0, error = NULL, next_retry_at = NULL
WHERE id = @id AND status = 'dlq';
`

	dlqRetryAllSQL = `
UPDATE events
SET status = 'pending', attempts = 0, error = NULL, next_retry_at = NULL
WHERE status = 'dlq';
`

	requeueStuckSQL = `
UPDATE events
SET status = 'pending', claimed_at = NULL
WHERE status = 'processing'
  AND claimed_at < NOW() - make_interval(secs => @max_age);
`
)

// PostgresStore is the durable event log backed by Postgres. Claims use
// FOR UPDATE SKIP LOCKED so concurrent subscribers never contend on the
// same rows, and a notifier wakes subscribers the moment work arrives.
type PostgresStore struct {
	pool     *pgxpool.Pool
	notifier notify.Notifier
	registry *schema.Registry
	cfg      Config

	publishCounter    metric.Int64Counter
	claimCounter      metric.Int64Counter
	ackCounter        metric.Int64Counter
	nackCounter       metric.Int64Counter
	deadLetterCounter metric.Int64Counter
}

// PostgresOption customizes a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithRegistry overrides the event type registry used to decode payloads.
func WithRegistry(registry *schema.Registry) PostgresOption {
	return func(s *PostgresStore) { s.registry = registry }
}

// NewPostgres constructs a store over the given pool. A nil notifier degrades
// subscribers to pure polling.
func NewPostgres(pool *pgxpool.Pool, notifier notify.Notifier, cfg Config, opts ...PostgresOption) (*PostgresStore, error) {
	if pool == nil {
		return nil, errs.New("store", errs.CodeInvalid, errs.WithMessage("nil pool"))
	}
	s := &PostgresStore{
		pool:     pool,
		notifier: notifier,
		registry: schema.DefaultRegistry(),
		cfg:      cfg.normalized(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.initMetrics()
	return s, nil
}

func (s *PostgresStore) initMetrics() {
	meter := otel.Meter("store.postgres")
	if counter, err := meter.Int64Counter("reflex_events_published",
		metric.WithDescription("Events accepted into the log"),
		metric.WithUnit("{event}")); err == nil {
		s.publishCounter = counter
	}
	if counter, err := meter.Int64Counter("reflex_events_claimed",
		metric.WithDescription("Event deliveries claimed by subscribers"),
		metric.WithUnit("{event}")); err == nil {
		s.claimCounter = counter
	}
	if counter, err := meter.Int64Counter("reflex_events_acked",
		metric.WithDescription("Events completed successfully"),
		metric.WithUnit("{event}")); err == nil {
		s.ackCounter = counter
	}
	if counter, err := meter.Int64Counter("reflex_events_nacked",
		metric.WithDescription("Failed deliveries scheduled for retry or DLQ"),
		metric.WithUnit("{event}")); err == nil {
		s.nackCounter = counter
	}
	if counter, err := meter.Int64Counter("reflex_events_dead_lettered",
		metric.WithDescription("Events moved to the dead-letter queue"),
		metric.WithUnit("{event}")); err == nil {
		s.deadLetterCounter = counter
	}
}

func (s *PostgresStore) count(ctx context.Context, counter metric.Int64Counter, kind string) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEventKind.String(kind),
		telemetry.AttrEnvironment.String(telemetry.Environment()),
	))
}

// Publish implements Store.
func (s *PostgresStore) Publish(ctx context.Context, evt schema.Event) error {
	payload, err := schema.Encode(evt)
	if err != nil {
		return fmt.Errorf("store: publish: %w", err)
	}
	args := pgx.NamedArgs{
		"id":        evt.EventID(),
		"type":      evt.Kind(),
		"source":    evt.EventSource(),
		"timestamp": evt.EventTime(),
		"payload":   payload,
	}
	if _, err := s.pool.Exec(ctx, eventInsertSQL, args); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return errs.New("store", errs.CodeConflict,
				errs.WithMessage(fmt.Sprintf("event %s already published", evt.EventID())),
				errs.WithCause(err))
		}
		return fmt.Errorf("store: insert event %s: %w", evt.EventID(), err)
	}
	s.count(ctx, s.publishCounter, evt.Kind())

	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, evt.EventID()); err != nil {
			// The row is durable; subscribers pick it up on their next poll.
			observability.Log().Warn("publish notification failed",
				observability.F("event_id", evt.EventID()),
				observability.F("error", err),
			)
		}
	}
	return nil
}

type claimedRow struct {
	id       string
	payload  []byte
	attempts int
}

func (s *PostgresStore) claimBatch(ctx context.Context, kinds []string, batchSize int) ([]claimedRow, error) {
	if kinds == nil {
		kinds = []string{}
	}
	args := pgx.NamedArgs{"types": kinds, "batch_size": batchSize}
	rows, err := s.pool.Query(ctx, eventClaimSQL, args)
	if err != nil {
		return nil, fmt.Errorf("store: claim batch: %w", err)
	}
	defer rows.Close()

	var claimed []claimedRow
	for rows.Next() {
		var row claimedRow
		if err := rows.Scan(&row.id, &row.payload, &row.attempts); err != nil {
			return nil, fmt.Errorf("store: scan claim: %w", err)
		}
		claimed = append(claimed, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate claims: %w", err)
	}
	return claimed, nil
}

// Subscribe implements Store.
func (s *PostgresStore) Subscribe(ctx context.Context, kinds []string, batchSize int) (<-chan Claim, <-chan error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	claims := make(chan Claim)
	errCh := make(chan error, 1)

	go func() {
		defer close(claims)
		defer close(errCh)

		var listener notify.Listener
		if s.notifier != nil {
			var err error
			listener, err = s.notifier.Listen(ctx)
			if err != nil {
				errCh <- fmt.Errorf("store: subscribe: %w", err)
				return
			}
			defer listener.Close()
		}

		for ctx.Err() == nil {
			batch, err := s.claimBatch(ctx, kinds, batchSize)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				errCh <- err
				return
			}

			for _, row := range batch {
				evt, err := s.registry.Parse(row.payload)
				if err != nil {
					// A payload that cannot decode will never succeed;
					// retrying it would only burn the attempt budget.
					observability.Log().Error("dead-lettering undecodable event",
						observability.F("event_id", row.id),
						observability.F("error", err),
					)
					if dlErr := s.DeadLetter(ctx, row.id, fmt.Sprintf("decode: %v", err)); dlErr != nil {
						errCh <- dlErr
						return
					}
					continue
				}
				s.count(ctx, s.claimCounter, evt.Kind())
				select {
				case claims <- Claim{Event: evt, Token: row.id, Attempts: row.attempts}:
				case <-ctx.Done():
					return
				}
			}

			if len(batch) == 0 {
				s.waitForWork(ctx, listener)
			}
		}
	}()

	return claims, errCh
}

func (s *PostgresStore) waitForWork(ctx context.Context, listener notify.Listener) {
	if listener != nil {
		listener.Wait(ctx, s.cfg.NotifyPollTimeout)
		return
	}
	timer := time.NewTimer(s.cfg.NotifyPollTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// Ack implements Store.
func (s *PostgresStore) Ack(ctx context.Context, token string) error {
	if _, err := s.pool.Exec(ctx, eventAckSQL, pgx.NamedArgs{"id": token}); err != nil {
		return fmt.Errorf("store: ack %s: %w", token, err)
	}
	s.count(ctx, s.ackCounter, "")
	return nil
}

// Nack implements Store. The attempts column was already incremented when
// the event was claimed, so the backoff exponent uses attempts - 1.
func (s *PostgresStore) Nack(ctx context.Context, token string, reason string) error {
	args := pgx.NamedArgs{
		"id":           token,
		"error":        reason,
		"max_attempts": s.cfg.MaxAttempts,
		"base_delay":   s.cfg.RetryBaseDelay.Seconds(),
		"max_delay":    s.cfg.RetryMaxDelay.Seconds(),
	}
	if _, err := s.pool.Exec(ctx, eventNackSQL, args); err != nil {
		return fmt.Errorf("store: nack %s: %w", token, err)
	}
	s.count(ctx, s.nackCounter, "")
	observability.Log().Warn("event nacked",
		observability.F("event_id", token),
		observability.F("reason", reason),
	)
	return nil
}

// DeadLetter implements Store.
func (s *PostgresStore) DeadLetter(ctx context.Context, token string, reason string) error {
	args := pgx.NamedArgs{"id": token, "error": reason}
	if _, err := s.pool.Exec(ctx, eventDeadLetterSQL, args); err != nil {
		return fmt.Errorf("store: dead-letter %s: %w", token, err)
	}
	s.count(ctx, s.deadLetterCounter, "")
	return nil
}

// Replay implements Store.
func (s *PostgresStore) Replay(ctx context.Context, start, end time.Time, kinds []string, fn ReplayFunc) error {
	if fn == nil {
		return errs.New("store", errs.CodeInvalid, errs.WithMessage("replay callback required"))
	}
	if kinds == nil {
		kinds = []string{}
	}
	var until *time.Time
	if !end.IsZero() {
		until = &end
	}
	args := pgx.NamedArgs{"start": start, "until": until, "types": kinds}
	rows, err := s.pool.Query(ctx, eventReplaySQL, args)
	if err != nil {
		return fmt.Errorf("store: replay: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("store: scan replay: %w", err)
		}
		evt, err := s.registry.Parse(payload)
		if err != nil {
			return fmt.Errorf("store: replay decode: %w", err)
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: iterate replay: %w", err)
	}
	return nil
}

// DLQList implements Store.
func (s *PostgresStore) DLQList(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, dlqListSQL, pgx.NamedArgs{"limit": limit})
	if err != nil {
		return nil, fmt.Errorf("store: list dlq: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			record      Record
			processedAt pgtype.Timestamptz
			nextRetryAt pgtype.Timestamptz
			claimedAt   pgtype.Timestamptz
		)
		if err := rows.Scan(
			&record.ID,
			&record.Type,
			&record.Source,
			&record.Timestamp,
			&record.Payload,
			&record.Status,
			&record.Attempts,
			&record.Error,
			&record.CreatedAt,
			&processedAt,
			&nextRetryAt,
			&claimedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan dlq record: %w", err)
		}
		if processedAt.Valid {
			t := processedAt.Time
			record.ProcessedAt = &t
		}
		if nextRetryAt.Valid {
			t := nextRetryAt.Time
			record.NextRetryAt = &t
		}
		if claimedAt.Valid {
			t := claimedAt.Time
			record.ClaimedAt = &t
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate dlq: %w", err)
	}
	return records, nil
}

// DLQRetry implements Store.
func (s *PostgresStore) DLQRetry(ctx context.Context, eventID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, dlqRetrySQL, pgx.NamedArgs{"id": eventID})
	if err != nil {
		return false, fmt.Errorf("store: dlq retry %s: %w", eventID, err)
	}
	moved := tag.RowsAffected() > 0
	if moved && s.notifier != nil {
		if err := s.notifier.Notify(ctx, eventID); err != nil {
			observability.Log().Warn("dlq retry notification failed",
				observability.F("event_id", eventID),
				observability.F("error", err),
			)
		}
	}
	return moved, nil
}

// DLQRetryAll implements Store.
func (s *PostgresStore) DLQRetryAll(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, dlqRetryAllSQL)
	if err != nil {
		return 0, fmt.Errorf("store: dlq retry all: %w", err)
	}
	moved := tag.RowsAffected()
	if moved > 0 && s.notifier != nil {
		if err := s.notifier.Notify(ctx, ""); err != nil {
			observability.Log().Warn("dlq retry notification failed",
				observability.F("error", err),
			)
		}
	}
	return moved, nil
}

// RequeueStuck implements Store.
func (s *PostgresStore) RequeueStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errs.New("store", errs.CodeInvalid, errs.WithMessage("requeue age must be positive"))
	}
	args := pgx.NamedArgs{"max_age": olderThan.Seconds()}
	tag, err := s.pool.Exec(ctx, requeueStuckSQL, args)
	if err != nil {
		return 0, fmt.Errorf("store: requeue stuck: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Close implements Store. The pool is owned by the caller and stays open.
func (s *PostgresStore) Close(ctx context.Context) error {
	if s.notifier != nil {
		return s.notifier.Close(ctx)
	}
	return nil
}
