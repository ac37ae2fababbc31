package lock

import (
	"context"
	"sync"
	"time"

	"github.com/coachpo/reflex/errs"
	"github.com/coachpo/reflex/internal/observability"
)

// Local serializes scopes within a single process using one semaphore per
// scope. It cannot coordinate across replicas; use Advisory for that.
type Local struct {
	mu     sync.Mutex
	scopes map[string]chan struct{}
	closed bool
}

// NewLocal constructs an in-process lock manager. When replicas is greater
// than one the manager still works but only guards this process, so a
// warning is logged.
func NewLocal(replicas int) *Local {
	if replicas > 1 {
		observability.Log().Warn("local lock manager cannot serialize across replicas",
			observability.F("replicas", replicas),
		)
	}
	return &Local{scopes: make(map[string]chan struct{})}
}

func (l *Local) sem(scope string) (chan struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errs.New("lock", errs.CodeUnavailable, errs.WithMessage("manager closed"))
	}
	sem, ok := l.scopes[scope]
	if !ok {
		sem = make(chan struct{}, 1)
		l.scopes[scope] = sem
	}
	return sem, nil
}

// Acquire implements Manager.
func (l *Local) Acquire(ctx context.Context, scope string, timeout time.Duration) (bool, error) {
	sem, err := l.sem(scope)
	if err != nil {
		return false, err
	}
	if timeout <= 0 {
		select {
		case sem <- struct{}{}:
			return true, nil
		default:
			return false, nil
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case sem <- struct{}{}:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Release implements Manager. Releasing an unheld scope logs a warning and
// returns nil.
func (l *Local) Release(_ context.Context, scope string) error {
	l.mu.Lock()
	sem, ok := l.scopes[scope]
	l.mu.Unlock()
	if !ok {
		observability.Log().Warn("release of unheld scope",
			observability.F("scope", scope),
		)
		return nil
	}
	select {
	case <-sem:
	default:
		observability.Log().Warn("release of unheld scope",
			observability.F("scope", scope),
		)
	}
	return nil
}

// IsLocked implements Manager.
func (l *Local) IsLocked(_ context.Context, scope string) (bool, error) {
	l.mu.Lock()
	sem, ok := l.scopes[scope]
	l.mu.Unlock()
	if !ok {
		return false, nil
	}
	return len(sem) > 0, nil
}

// Close implements Manager.
func (l *Local) Close(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.scopes = make(map[string]chan struct{})
	return nil
}
