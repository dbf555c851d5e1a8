package renew

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := NewTransportError("login request failed", cause).WithOp("authenticate")

	if !IsTransport(err) {
		t.Error("expected a transport-class error")
	}
	if ClassOf(err) != ClassTransport {
		t.Errorf("expected class %s, got %s", ClassTransport, ClassOf(err))
	}
	if !errors.Is(err, cause) {
		t.Error("expected the cause to unwrap")
	}
}

func TestClassOfWrappedError(t *testing.T) {
	inner := NewPinNotFoundError("no PIN message dated today")
	wrapped := fmt.Errorf("fetching pin: %w", inner)

	if !IsPinNotFound(wrapped) {
		t.Error("classification must survive wrapping")
	}
	if ClassOf(wrapped) != ClassPinNotFound {
		t.Errorf("expected class %s, got %s", ClassPinNotFound, ClassOf(wrapped))
	}
}

func TestClassOfPlainError(t *testing.T) {
	if got := ClassOf(fmt.Errorf("something else")); got != ClassUnknown {
		t.Errorf("expected %s for unclassified errors, got %s", ClassUnknown, got)
	}
	if ClassOf(nil) != ClassUnknown {
		t.Error("nil must classify as unknown")
	}
}
