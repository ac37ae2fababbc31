// Package schema defines the typed event model and the runtime type registry.
package schema

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Meta carries trace context linking events across a workflow.
type Meta struct {
	TraceID       string `json:"trace_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
}

// Event is the behaviour shared by every event variant. Events are immutable
// value objects once published; SetEventMeta exists only for derivation
// stamping before publish.
type Event interface {
	Kind() string
	EventID() string
	EventSource() string
	EventTime() time.Time
	EventMeta() Meta
	SetEventMeta(meta Meta)
}

// Base holds the fields shared by all event variants. Concrete variants embed
// Base and add their typed payload fields.
type Base struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Meta      Meta      `json:"meta"`
}

// NewBase constructs the shared portion of an event with a fresh id, the
// current UTC instant, and a fresh trace id.
func NewBase(kind, source string) Base {
	return Base{
		ID:        uuid.NewString(),
		Type:      kind,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Meta:      Meta{TraceID: uuid.NewString()},
	}
}

// Kind returns the event discriminator.
func (b *Base) Kind() string { return b.Type }

// EventID returns the unique event identifier.
func (b *Base) EventID() string { return b.ID }

// EventSource returns the producer label.
func (b *Base) EventSource() string { return b.Source }

// EventTime returns the event creation instant.
func (b *Base) EventTime() time.Time { return b.Timestamp }

// EventMeta returns the trace metadata.
func (b *Base) EventMeta() Meta { return b.Meta }

// SetEventMeta replaces the trace metadata. Used by derivation helpers.
func (b *Base) SetEventMeta(meta Meta) { b.Meta = meta }

// Encode serializes an event to its authoritative JSON form.
func Encode(evt Event) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("schema: encode %s: %w", evt.Kind(), err)
	}
	return data, nil
}

// Built-in event kinds.
const (
	KindWSMessage   = "ws.message"
	KindHTTPRequest = "http.request"
	KindTimerTick   = "timer.tick"
	KindLifecycle   = "lifecycle"
)

// WSMessage is an event from a WebSocket connection.
type WSMessage struct {
	Base
	ConnectionID string `json:"connection_id"`
	Content      string `json:"content"`
}

// NewWSMessage constructs a ws.message event.
func NewWSMessage(source, connectionID, content string) *WSMessage {
	return &WSMessage{
		Base:         NewBase(KindWSMessage, source),
		ConnectionID: connectionID,
		Content:      content,
	}
}

// HTTPRequest is an event from an HTTP request.
type HTTPRequest struct {
	Base
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// NewHTTPRequest constructs an http.request event.
func NewHTTPRequest(source, method, path string) *HTTPRequest {
	return &HTTPRequest{
		Base:   NewBase(KindHTTPRequest, source),
		Method: method,
		Path:   path,
	}
}

// TimerTick is an event from a periodic timer.
type TimerTick struct {
	Base
	TimerName string `json:"timer_name"`
	TickCount int64  `json:"tick_count"`
}

// NewTimerTick constructs a timer.tick event.
func NewTimerTick(source, timerName string, tickCount int64) *TimerTick {
	return &TimerTick{
		Base:      NewBase(KindTimerTick, source),
		TimerName: timerName,
		TickCount: tickCount,
	}
}

// Lifecycle actions.
const (
	LifecycleStarted = "started"
	LifecycleStopped = "stopped"
	LifecycleError   = "error"
)

// Lifecycle is an internal runtime lifecycle event.
type Lifecycle struct {
	Base
	Action  string `json:"action"`
	Details string `json:"details,omitempty"`
}

// NewLifecycle constructs a lifecycle event.
func NewLifecycle(source, action, details string) *Lifecycle {
	return &Lifecycle{
		Base:    NewBase(KindLifecycle, source),
		Action:  action,
		Details: details,
	}
}

func init() {
	MustRegister(KindWSMessage, &WSMessage{})
	MustRegister(KindHTTPRequest, &HTTPRequest{})
	MustRegister(KindTimerTick, &TimerTick{})
	MustRegister(KindLifecycle, &Lifecycle{})
}
