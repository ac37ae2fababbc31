package lock

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/reflex/errs"
	"github.com/coachpo/reflex/internal/observability"
)

const (
	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`

	advisoryLockSQL = `SELECT pg_advisory_lock($1);`

	advisoryUnlockSQL = `SELECT pg_advisory_unlock($1);`

	advisoryHeldSQL = `
SELECT EXISTS (
    SELECT 1
    FROM pg_locks
    WHERE locktype = 'advisory'
      AND ((classid::bigint << 32) | objid::bigint) = $1
      AND granted
);`
)

// Advisory coordinates scopes across replicas with Postgres session-level
// advisory locks. Every acquisition runs on its own pool connection, so two
// acquirers of the same scope contend through Postgres whether they live in
// one replica or several; the held connection stays pinned until Release
// because the lock is bound to its session.
type Advisory struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	held map[string]*pgxpool.Conn
}

// NewAdvisory constructs an advisory lock manager over the given pool.
func NewAdvisory(pool *pgxpool.Pool) (*Advisory, error) {
	if pool == nil {
		return nil, errs.New("lock", errs.CodeInvalid, errs.WithMessage("nil pool"))
	}
	return &Advisory{pool: pool, held: make(map[string]*pgxpool.Conn)}, nil
}

// Key hashes a scope string into the 63-bit key space advisory locks use.
func Key(scope string) int64 {
	h := fnv.New64a()
	h.Write([]byte(scope))
	return int64(h.Sum64() & (1<<63 - 1))
}

// Acquire implements Manager. A zero or negative timeout attempts the lock
// once without waiting; otherwise the session blocks in pg_advisory_lock up
// to the timeout and elapsing returns false without error.
func (a *Advisory) Acquire(ctx context.Context, scope string, timeout time.Duration) (bool, error) {
	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("lock: acquire connection: %w", err)
	}
	key := Key(scope)

	if timeout <= 0 {
		var got bool
		if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&got); err != nil {
			conn.Release()
			return false, fmt.Errorf("lock: try advisory lock %q: %w", scope, err)
		}
		if !got {
			conn.Release()
			return false, nil
		}
		a.track(scope, conn)
		return true, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := conn.Exec(waitCtx, advisoryLockSQL, key); err != nil {
		// A cancelled lock request can still be granted server-side in the
		// same instant; close the session so any such grant dies with it.
		discard(ctx, conn)
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return false, nil
		}
		return false, fmt.Errorf("lock: advisory lock %q: %w", scope, err)
	}
	a.track(scope, conn)
	return true, nil
}

// discard closes the raw session before returning the slot to the pool, so
// the pool discards the connection instead of reusing it.
func discard(ctx context.Context, conn *pgxpool.Conn) {
	_ = conn.Conn().Close(ctx)
	conn.Release()
}

func (a *Advisory) track(scope string, conn *pgxpool.Conn) {
	a.mu.Lock()
	a.held[scope] = conn
	a.mu.Unlock()
}

// Release implements Manager. Releasing an unheld scope logs a warning and
// returns nil.
func (a *Advisory) Release(ctx context.Context, scope string) error {
	a.mu.Lock()
	conn, ok := a.held[scope]
	delete(a.held, scope)
	a.mu.Unlock()
	if !ok {
		observability.Log().Warn("release of unheld scope",
			observability.F("scope", scope),
		)
		return nil
	}
	if _, err := conn.Exec(ctx, advisoryUnlockSQL, Key(scope)); err != nil {
		// The session may still hold the lock; closing it releases the lock
		// with the session.
		discard(ctx, conn)
		return fmt.Errorf("lock: advisory unlock %q: %w", scope, err)
	}
	conn.Release()
	return nil
}

// IsLocked implements Manager. It observes holders in any session, not just
// this manager.
func (a *Advisory) IsLocked(ctx context.Context, scope string) (bool, error) {
	var held bool
	if err := a.pool.QueryRow(ctx, advisoryHeldSQL, Key(scope)).Scan(&held); err != nil {
		return false, fmt.Errorf("lock: check advisory lock %q: %w", scope, err)
	}
	return held, nil
}

// Close implements Manager. It unlocks every scope this manager still holds
// and returns the pinned sessions to the pool.
func (a *Advisory) Close(ctx context.Context) error {
	a.mu.Lock()
	held := a.held
	a.held = make(map[string]*pgxpool.Conn)
	a.mu.Unlock()
	for scope, conn := range held {
		if _, err := conn.Exec(ctx, advisoryUnlockSQL, Key(scope)); err != nil {
			discard(ctx, conn)
			return fmt.Errorf("lock: advisory unlock %q: %w", scope, err)
		}
		conn.Release()
	}
	return nil
}
