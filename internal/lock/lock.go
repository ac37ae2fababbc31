// Package lock provides scoped mutual exclusion for trigger execution.
// Different scopes never block each other; the same scope admits one
// holder at a time.
package lock

import (
	"context"
	"time"
)

// Manager serializes work per scope string.
type Manager interface {
	// Acquire blocks until the scope lock is held, the timeout elapses, or
	// ctx is cancelled. It reports whether the lock was obtained; a false
	// return with nil error means the wait timed out. A zero timeout tries
	// once without waiting.
	Acquire(ctx context.Context, scope string, timeout time.Duration) (bool, error)

	// Release frees the scope lock held by this manager.
	Release(ctx context.Context, scope string) error

	// IsLocked reports whether any holder currently owns the scope.
	IsLocked(ctx context.Context, scope string) (bool, error)

	// Close releases all held locks and frees backing resources.
	Close(ctx context.Context) error
}
