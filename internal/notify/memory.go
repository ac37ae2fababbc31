package notify

import (
	"context"
	"sync"
	"time"

	"github.com/coachpo/reflex/errs"
)

const memoryListenerBuffer = 64

// Memory is an in-process Notifier for single-node deployments and tests.
type Memory struct {
	mu        sync.Mutex
	listeners map[*memoryListener]struct{}
	closed    bool
}

// NewMemory constructs an in-process notifier.
func NewMemory() *Memory {
	return &Memory{listeners: make(map[*memoryListener]struct{})}
}

// Notify implements Notifier. Listeners with full buffers are skipped; they
// catch up on their next poll.
func (m *Memory) Notify(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errs.New("notify", errs.CodeUnavailable, errs.WithMessage("notifier closed"))
	}
	for l := range m.listeners {
		select {
		case l.ch <- eventID:
		default:
		}
	}
	return nil
}

// Listen implements Notifier.
func (m *Memory) Listen(context.Context) (Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errs.New("notify", errs.CodeUnavailable, errs.WithMessage("notifier closed"))
	}
	l := &memoryListener{
		parent: m,
		ch:     make(chan string, memoryListenerBuffer),
	}
	m.listeners[l] = struct{}{}
	return l, nil
}

// Close implements Notifier.
func (m *Memory) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.listeners = make(map[*memoryListener]struct{})
	return nil
}

type memoryListener struct {
	parent *Memory
	ch     chan string
	once   sync.Once
}

func (l *memoryListener) Wait(ctx context.Context, timeout time.Duration) (string, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case id := <-l.ch:
		return id, true
	case <-timer.C:
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

func (l *memoryListener) Close() {
	l.once.Do(func() {
		l.parent.mu.Lock()
		delete(l.parent.listeners, l)
		l.parent.mu.Unlock()
	})
}
