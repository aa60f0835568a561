package kerrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfNil(t *testing.T) {
	if got := KindOf(nil); got != NoError {
		t.Fatalf("KindOf(nil) = %v, want NoError", got)
	}
}

func TestKindOfWrapped(t *testing.T) {
	err := fmt.Errorf("mem: %w", New(NotFound))
	if got := KindOf(err); got != NotFound {
		t.Fatalf("KindOf = %v, want NotFound", got)
	}
}

func TestKindOfUnknown(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != Unknown {
		t.Fatalf("KindOf = %v, want Unknown", got)
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("disk offline")
	err := Wrap(DeviceFailed, cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find cause")
	}
	if got := KindOf(err); got != DeviceFailed {
		t.Fatalf("KindOf = %v, want DeviceFailed", got)
	}
}

func TestStringOutOfRange(t *testing.T) {
	if got := Kind(999).String(); got != "InvalidKind" {
		t.Fatalf("String() = %q, want InvalidKind", got)
	}
}
