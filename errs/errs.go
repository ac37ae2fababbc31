// Package errs provides structured error types and helpers for Reflex services.
package errs

import (
	"errors"
	"strings"
)

// Code identifies a dispatch-core error category.
type Code string

const (
	// CodeConflict indicates a duplicate event or conflicting registration.
	CodeConflict Code = "conflict"
	// CodeNotFound indicates a missing resource, e.g. an unregistered event type.
	CodeNotFound Code = "not_found"
	// CodeInvalid indicates invalid input provided by the caller, including schema failures.
	CodeInvalid Code = "invalid_request"
	// CodeTimeout indicates a bounded wait elapsed, e.g. a scope lock acquisition.
	CodeTimeout Code = "timeout"
	// CodeUnavailable indicates the backing store or a dependency is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeInternal captures uncategorized failures.
	CodeInternal Code = "internal"
)

// E captures structured error information produced across the Reflex stack.
type E struct {
	Component string
	Code      Code
	Message   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause attaches the underlying cause for errors.Is/As chains.
func WithCause(cause error) Option {
	return func(e *E) {
		e.cause = cause
	}
}

// Error renders the envelope as "component: code: message".
func (e *E) Error() string {
	if e == nil {
		return ""
	}
	parts := make([]string, 0, 4)
	if e.Component != "" {
		parts = append(parts, e.Component)
	}
	if e.Code != "" {
		parts = append(parts, string(e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.cause != nil {
		parts = append(parts, e.cause.Error())
	}
	if len(parts) == 0 {
		return "unknown error"
	}
	return strings.Join(parts, ": ")
}

// Unwrap exposes the underlying cause.
func (e *E) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// CodeOf extracts the error code from err, walking the unwrap chain.
// Returns CodeInternal when no envelope is found.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var envelope *E
	return errors.As(err, &envelope) && envelope != nil && envelope.Code == code
}
