package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/coachpo/reflex/errs"
	"github.com/coachpo/reflex/internal/observability"
	"github.com/coachpo/reflex/internal/schema"
)

// MemoryStore implements Store in process memory with the same lifecycle
// semantics as PostgresStore. Intended for single-node deployments without
// durability requirements, and for tests.
type MemoryStore struct {
	cfg      Config
	registry *schema.Registry

	mu      sync.Mutex
	records map[string]*Record
	wake    chan struct{}
	closed  bool
	now     func() time.Time
}

// MemoryOption customizes a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryRegistry overrides the event type registry used to decode payloads.
func WithMemoryRegistry(registry *schema.Registry) MemoryOption {
	return func(s *MemoryStore) { s.registry = registry }
}

// WithMemoryClock overrides the store's clock.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemory constructs an in-memory store.
func NewMemory(cfg Config, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		cfg:      cfg.normalized(),
		registry: schema.DefaultRegistry(),
		records:  make(map[string]*Record),
		wake:     make(chan struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Publish implements Store.
func (s *MemoryStore) Publish(_ context.Context, evt schema.Event) error {
	payload, err := schema.Encode(evt)
	if err != nil {
		return fmt.Errorf("store: publish: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.New("store", errs.CodeUnavailable, errs.WithMessage("store closed"))
	}
	if _, exists := s.records[evt.EventID()]; exists {
		return errs.New("store", errs.CodeConflict,
			errs.WithMessage(fmt.Sprintf("event %s already published", evt.EventID())))
	}
	s.records[evt.EventID()] = &Record{
		ID:        evt.EventID(),
		Type:      evt.Kind(),
		Source:    evt.EventSource(),
		Timestamp: evt.EventTime(),
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: s.now(),
	}
	s.broadcast()
	return nil
}

// broadcast wakes every subscriber waiting for work. Callers hold s.mu.
func (s *MemoryStore) broadcast() {
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *MemoryStore) claimBatch(kinds []string, batchSize int) []claimedRow {
	kindSet := make(map[string]struct{}, len(kinds))
	for _, kind := range kinds {
		kindSet[kind] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	var eligible []*Record
	for _, record := range s.records {
		if record.Status != StatusPending {
			continue
		}
		if record.NextRetryAt != nil && record.NextRetryAt.After(now) {
			continue
		}
		if len(kindSet) > 0 {
			if _, ok := kindSet[record.Type]; !ok {
				continue
			}
		}
		eligible = append(eligible, record)
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].Timestamp.Before(eligible[j].Timestamp)
	})
	if len(eligible) > batchSize {
		eligible = eligible[:batchSize]
	}

	claimed := make([]claimedRow, 0, len(eligible))
	for _, record := range eligible {
		record.Status = StatusProcessing
		record.Attempts++
		claimedAt := now
		record.ClaimedAt = &claimedAt
		claimed = append(claimed, claimedRow{
			id:       record.ID,
			payload:  record.Payload,
			attempts: record.Attempts,
		})
	}
	return claimed
}

// Subscribe implements Store.
func (s *MemoryStore) Subscribe(ctx context.Context, kinds []string, batchSize int) (<-chan Claim, <-chan error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	claims := make(chan Claim)
	errCh := make(chan error, 1)

	go func() {
		defer close(claims)
		defer close(errCh)

		for ctx.Err() == nil {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				errCh <- errs.New("store", errs.CodeUnavailable, errs.WithMessage("store closed"))
				return
			}
			wake := s.wake
			s.mu.Unlock()

			batch := s.claimBatch(kinds, batchSize)
			for _, row := range batch {
				evt, err := s.registry.Parse(row.payload)
				if err != nil {
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
				select {
				case claims <- Claim{Event: evt, Token: row.id, Attempts: row.attempts}:
				case <-ctx.Done():
					return
				}
			}

			if len(batch) == 0 {
				timer := time.NewTimer(s.cfg.NotifyPollTimeout)
				select {
				case <-wake:
				case <-timer.C:
				case <-ctx.Done():
				}
				timer.Stop()
			}
		}
	}()

	return claims, errCh
}

func (s *MemoryStore) record(token string) (*Record, error) {
	record, ok := s.records[token]
	if !ok {
		return nil, errs.New("store", errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("event %s not found", token)))
	}
	return record, nil
}

// Ack implements Store.
func (s *MemoryStore) Ack(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := s.record(token)
	if err != nil {
		return err
	}
	now := s.now()
	record.Status = StatusCompleted
	record.ProcessedAt = &now
	record.ClaimedAt = nil
	return nil
}

// Nack implements Store. The attempt was counted at claim time, so the
// backoff exponent uses attempts - 1.
func (s *MemoryStore) Nack(_ context.Context, token string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := s.record(token)
	if err != nil {
		return err
	}
	record.Error = reason
	record.ClaimedAt = nil
	if record.Attempts >= s.cfg.MaxAttempts {
		record.Status = StatusDLQ
		record.NextRetryAt = nil
		return nil
	}
	delay := time.Duration(float64(s.cfg.RetryBaseDelay) * math.Pow(2, float64(record.Attempts-1)))
	if delay > s.cfg.RetryMaxDelay {
		delay = s.cfg.RetryMaxDelay
	}
	retryAt := s.now().Add(delay)
	record.Status = StatusPending
	record.NextRetryAt = &retryAt
	s.broadcast()
	return nil
}

// DeadLetter implements Store.
func (s *MemoryStore) DeadLetter(_ context.Context, token string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := s.record(token)
	if err != nil {
		return err
	}
	record.Status = StatusDLQ
	record.Error = reason
	record.ClaimedAt = nil
	record.NextRetryAt = nil
	return nil
}

// Replay implements Store.
func (s *MemoryStore) Replay(_ context.Context, start, end time.Time, kinds []string, fn ReplayFunc) error {
	if fn == nil {
		return errs.New("store", errs.CodeInvalid, errs.WithMessage("replay callback required"))
	}
	kindSet := make(map[string]struct{}, len(kinds))
	for _, kind := range kinds {
		kindSet[kind] = struct{}{}
	}

	s.mu.Lock()
	var matched []*Record
	for _, record := range s.records {
		if record.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && record.Timestamp.After(end) {
			continue
		}
		if len(kindSet) > 0 {
			if _, ok := kindSet[record.Type]; !ok {
				continue
			}
		}
		matched = append(matched, record)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})
	payloads := make([][]byte, len(matched))
	for i, record := range matched {
		payloads[i] = record.Payload
	}
	s.mu.Unlock()

	for _, payload := range payloads {
		evt, err := s.registry.Parse(payload)
		if err != nil {
			return fmt.Errorf("store: replay decode: %w", err)
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
	return nil
}

// DLQList implements Store.
func (s *MemoryStore) DLQList(_ context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var dead []Record
	for _, record := range s.records {
		if record.Status == StatusDLQ {
			dead = append(dead, *record)
		}
	}
	sort.Slice(dead, func(i, j int) bool {
		return dead[i].CreatedAt.After(dead[j].CreatedAt)
	})
	if len(dead) > limit {
		dead = dead[:limit]
	}
	return dead, nil
}

func (s *MemoryStore) retryFromDLQ(record *Record) {
	record.Status = StatusPending
	record.Attempts = 0
	record.Error = ""
	record.NextRetryAt = nil
}

// DLQRetry implements Store.
func (s *MemoryStore) DLQRetry(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[eventID]
	if !ok || record.Status != StatusDLQ {
		return false, nil
	}
	s.retryFromDLQ(record)
	s.broadcast()
	return true, nil
}

// DLQRetryAll implements Store.
func (s *MemoryStore) DLQRetryAll(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var moved int64
	for _, record := range s.records {
		if record.Status == StatusDLQ {
			s.retryFromDLQ(record)
			moved++
		}
	}
	if moved > 0 {
		s.broadcast()
	}
	return moved, nil
}

// RequeueStuck implements Store.
func (s *MemoryStore) RequeueStuck(_ context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errs.New("store", errs.CodeInvalid, errs.WithMessage("requeue age must be positive"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)
	var moved int64
	for _, record := range s.records {
		if record.Status != StatusProcessing || record.ClaimedAt == nil {
			continue
		}
		if record.ClaimedAt.Before(cutoff) {
			record.Status = StatusPending
			record.ClaimedAt = nil
			moved++
		}
	}
	if moved > 0 {
		s.broadcast()
	}
	return moved, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.New("store", errs.CodeUnavailable, errs.WithMessage("store closed"))
	}
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.broadcast()
	return nil
}

// Lookup returns a copy of the stored record for inspection in tests and
// admin surfaces.
func (s *MemoryStore) Lookup(eventID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[eventID]
	if !ok {
		return Record{}, false
	}
	return *record, true
}
