// Package notify wakes event subscribers when new work arrives, so the
// dispatch loop polls only as a fallback instead of busy-looping.
package notify

import (
	"context"
	"time"
)

// Channel is the notification channel shared by all publishers and listeners.
const Channel = "events"

// Notifier broadcasts event ids to listeners. Delivery is best-effort: a
// missed wakeup only delays the subscriber until its next poll.
type Notifier interface {
	// Notify announces that the event with the given id was published.
	Notify(ctx context.Context, eventID string) error

	// Listen opens a listener on the channel.
	Listen(ctx context.Context) (Listener, error)

	// Close tears down the notifier and all its listeners.
	Close(ctx context.Context) error
}

// Listener receives wakeups from a Notifier.
type Listener interface {
	// Wait blocks until a notification arrives, the timeout elapses, or ctx
	// is cancelled. It returns the notified event id and whether one arrived.
	Wait(ctx context.Context, timeout time.Duration) (string, bool)

	// Close detaches the listener.
	Close()
}
