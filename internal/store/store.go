// Package store persists events and hands them to subscribers with
// at-least-once delivery, retry backoff, and a dead-letter queue.
package store

import (
	"context"
	"time"

	"github.com/coachpo/reflex/internal/schema"
)

// Event status lifecycle:
//
//	pending -> processing -> completed
//	                    \-> pending (retry after backoff)
//	                    \-> dlq (max attempts exceeded)
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusDLQ        = "dlq"
)

// Record is the persisted form of an event with its processing state.
type Record struct {
	ID          string
	Type        string
	Source      string
	Timestamp   time.Time
	Payload     []byte
	Status      string
	Attempts    int
	Error       string
	CreatedAt   time.Time
	ProcessedAt *time.Time
	NextRetryAt *time.Time
	ClaimedAt   *time.Time
}

// Claim is a delivered event awaiting Ack or Nack. Token identifies the
// claim for acknowledgement; Attempts counts this delivery inclusive.
type Claim struct {
	Event    schema.Event
	Token    string
	Attempts int
}

// Config tunes retry and subscription behaviour.
type Config struct {
	// MaxAttempts is the delivery count after which a failing event moves
	// to the dead-letter queue.
	MaxAttempts int

	// RetryBaseDelay seeds the exponential backoff between redeliveries.
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the backoff.
	RetryMaxDelay time.Duration

	// NotifyPollTimeout bounds how long a subscriber waits for a wakeup
	// before re-checking for pending work.
	NotifyPollTimeout time.Duration
}

// DefaultConfig returns the standard retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		RetryBaseDelay:    time.Second,
		RetryMaxDelay:     60 * time.Second,
		NotifyPollTimeout: 5 * time.Second,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = def.RetryMaxDelay
	}
	if c.NotifyPollTimeout <= 0 {
		c.NotifyPollTimeout = def.NotifyPollTimeout
	}
	return c
}

// ReplayFunc receives each replayed event. Returning an error stops the replay.
type ReplayFunc func(evt schema.Event) error

// Store is the durable event log.
type Store interface {
	// Publish persists an event as pending and wakes subscribers. A
	// duplicate event id yields a conflict error; the event is already
	// durable, so callers may treat it as success.
	Publish(ctx context.Context, evt schema.Event) error

	// Subscribe claims pending events and delivers them on the returned
	// channel until ctx is cancelled. An empty kinds slice subscribes to
	// everything. Claims are exclusive: no two subscribers receive the
	// same delivery. A store failure is sent on the error channel and
	// ends the subscription; both channels close on return.
	Subscribe(ctx context.Context, kinds []string, batchSize int) (<-chan Claim, <-chan error)

	// Ack marks a claimed event completed.
	Ack(ctx context.Context, token string) error

	// Nack records a failed delivery. The event returns to pending after
	// an exponential backoff, or moves to the dead-letter queue once
	// MaxAttempts deliveries have failed.
	Nack(ctx context.Context, token string, reason string) error

	// DeadLetter moves an event straight to the dead-letter queue,
	// bypassing remaining retries.
	DeadLetter(ctx context.Context, token string, reason string) error

	// Replay streams historical events in timestamp order without touching
	// their status. A zero end means now; empty kinds means all.
	Replay(ctx context.Context, start, end time.Time, kinds []string, fn ReplayFunc) error

	// DLQList returns dead-lettered records, newest first.
	DLQList(ctx context.Context, limit int) ([]Record, error)

	// DLQRetry returns a dead-lettered event to pending with a fresh
	// attempt budget. It reports whether the event was found in the DLQ.
	DLQRetry(ctx context.Context, eventID string) (bool, error)

	// DLQRetryAll returns every dead-lettered event to pending and
	// reports how many moved.
	DLQRetryAll(ctx context.Context) (int64, error)

	// RequeueStuck returns events stuck in processing longer than the
	// given age to pending, reclaiming work lost to crashed consumers.
	RequeueStuck(ctx context.Context, olderThan time.Duration) (int64, error)

	// Ping verifies the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close(ctx context.Context) error
}
