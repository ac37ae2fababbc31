// Package telemetry provides semantic conventions for Reflex observability.
package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for Reflex-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEventKind annotates counters/histograms with the event discriminator (e.g. ws.message).
	AttrEventKind = attribute.Key("event.kind")
	// AttrEventSource identifies the producer that emitted the event.
	AttrEventSource = attribute.Key("event.source")
	// AttrTrigger labels handler telemetry with the trigger name that fired.
	AttrTrigger = attribute.Key("trigger")
	// AttrScope records the serialization scope a handler ran under.
	AttrScope = attribute.Key("scope")
	// AttrOperation differentiates store operations (publish, claim, ack, nack, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrErrorType categorizes failures by canonical error family.
	AttrErrorType = attribute.Key("error.type")
	// AttrLockBackend names the scope lock backend in use (local, advisory).
	AttrLockBackend = attribute.Key("lock.backend")
	// AttrStatus communicates the row status an event transitioned to.
	AttrStatus = attribute.Key("status")
)

var (
	envMu             sync.RWMutex
	globalEnvironment string
)

// SetEnvironment records the deployment environment stamped onto metrics.
func SetEnvironment(env string) {
	envMu.Lock()
	defer envMu.Unlock()
	globalEnvironment = env
}

// Environment returns the configured deployment environment, defaulting to development.
func Environment() string {
	envMu.RLock()
	defer envMu.RUnlock()
	if globalEnvironment == "" {
		return "development"
	}
	return globalEnvironment
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
