package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/reflex/errs"
	"github.com/coachpo/reflex/internal/observability"
)

const (
	pgNotifySQL = `SELECT pg_notify($1, $2);`
	pgListenSQL = `LISTEN ` + Channel + `;`
)

// Postgres broadcasts over LISTEN/NOTIFY so subscribers in any process wake
// when an event lands.
type Postgres struct {
	pool *pgxpool.Pool

	mu        sync.Mutex
	listeners map[*pgListener]struct{}
	closed    bool
}

// NewPostgres constructs a notifier over the given pool.
func NewPostgres(pool *pgxpool.Pool) (*Postgres, error) {
	if pool == nil {
		return nil, errs.New("notify", errs.CodeInvalid, errs.WithMessage("nil pool"))
	}
	return &Postgres{pool: pool, listeners: make(map[*pgListener]struct{})}, nil
}

// Notify implements Notifier.
func (p *Postgres) Notify(ctx context.Context, eventID string) error {
	if _, err := p.pool.Exec(ctx, pgNotifySQL, Channel, eventID); err != nil {
		return fmt.Errorf("notify: pg_notify %s: %w", Channel, err)
	}
	return nil
}

// Listen implements Notifier. The listener holds a dedicated pool connection
// until closed, since LISTEN registrations are per-session.
func (p *Postgres) Listen(ctx context.Context) (Listener, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errs.New("notify", errs.CodeUnavailable, errs.WithMessage("notifier closed"))
	}
	p.mu.Unlock()

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("notify: acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, pgListenSQL); err != nil {
		conn.Release()
		return nil, fmt.Errorf("notify: listen %s: %w", Channel, err)
	}

	l := &pgListener{parent: p, conn: conn}
	p.mu.Lock()
	p.listeners[l] = struct{}{}
	p.mu.Unlock()
	return l, nil
}

// Close implements Notifier.
func (p *Postgres) Close(context.Context) error {
	p.mu.Lock()
	listeners := p.listeners
	p.listeners = make(map[*pgListener]struct{})
	p.closed = true
	p.mu.Unlock()
	for l := range listeners {
		l.release()
	}
	return nil
}

type pgListener struct {
	parent *Postgres
	conn   *pgxpool.Conn
	once   sync.Once
}

func (l *pgListener) Wait(ctx context.Context, timeout time.Duration) (string, bool) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	notification, err := l.conn.Conn().WaitForNotification(waitCtx)
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			observability.Log().Warn("notification wait failed",
				observability.F("channel", Channel),
				observability.F("error", err),
			)
			// Burn the remaining window so a broken session cannot hot-loop
			// the caller; the subscriber polls on return regardless.
			<-waitCtx.Done()
		}
		return "", false
	}
	return notification.Payload, true
}

func (l *pgListener) Close() {
	l.once.Do(func() {
		l.parent.mu.Lock()
		delete(l.parent.listeners, l)
		l.parent.mu.Unlock()
		l.release()
	})
}

func (l *pgListener) release() {
	// LISTEN registrations survive Release; close the session so the pool
	// discards it instead of handing it to another caller.
	l.conn.Conn().Close(context.Background())
	l.conn.Release()
}
