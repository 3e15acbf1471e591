package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindMatching(t *testing.T) {
	err := fmt.Errorf("create appointment: %w", SlotConflict("slot already booked"))

	if !errors.Is(err, ErrSlotConflict) {
		t.Fatal("expected wrapped conflict to match ErrSlotConflict")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("conflict must not match ErrNotFound")
	}
	if KindOf(err) != KindSlotConflict {
		t.Fatalf("unexpected kind %s", KindOf(err))
	}
	if Message(err) != "slot already booked" {
		t.Fatalf("unexpected message %q", Message(err))
	}
	if HTTPStatus(err) != http.StatusConflict {
		t.Fatalf("unexpected status %d", HTTPStatus(err))
	}
}

func TestUnclassifiedErrors(t *testing.T) {
	err := errors.New("boom")
	if KindOf(err) != KindInternal {
		t.Fatalf("expected internal kind, got %s", KindOf(err))
	}
	if HTTPStatus(err) != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", HTTPStatus(err))
	}

	cause := errors.New("connection reset")
	tr := Transient("ledger busy", cause)
	if !errors.Is(tr, cause) {
		t.Fatal("transient error must unwrap to its cause")
	}
	if HTTPStatus(tr) != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", HTTPStatus(tr))
	}
}
