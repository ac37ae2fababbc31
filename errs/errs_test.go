package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/coachpo/reflex/errs"
)

func TestErrorRendering(t *testing.T) {
	err := errs.New("event store", errs.CodeConflict, errs.WithMessage("duplicate event id"))
	want := "event store: conflict: duplicate event id"
	if err.Error() != want {
		t.Fatalf("unexpected error string: got %q want %q", err.Error(), want)
	}
}

func TestUnwrapChain(t *testing.T) {
	cause := errors.New("connection refused")
	err := errs.New("event store", errs.CodeUnavailable, errs.WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find cause")
	}
	wrapped := fmt.Errorf("publish: %w", err)
	if errs.CodeOf(wrapped) != errs.CodeUnavailable {
		t.Fatalf("expected CodeUnavailable through wrap, got %s", errs.CodeOf(wrapped))
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if errs.CodeOf(errors.New("plain")) != errs.CodeInternal {
		t.Fatalf("plain errors should map to CodeInternal")
	}
}

func TestIsCode(t *testing.T) {
	err := errs.New("registry", errs.CodeNotFound)
	if !errs.IsCode(err, errs.CodeNotFound) {
		t.Fatalf("expected IsCode match")
	}
	if errs.IsCode(err, errs.CodeTimeout) {
		t.Fatalf("unexpected IsCode match")
	}
}
