package errcode

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindCodesStable(t *testing.T) {
	// The numeric values are part of the external contract.
	want := map[Kind]int{
		Ok: 0, InvalArg: 1, NoMem: 2, NotFound: 3, Internal: 4,
		Unsupported: 5, ValidationFailed: 6, OperationFailed: 7,
		Unauthorized: 8, LockFailed: 9, TimeOut: 10, CallbackFailed: 11,
		Sys: 12, Exists: 13,
	}
	for kind, code := range want {
		if int(kind) != code {
			t.Errorf("kind %v renumbered: %d != %d", kind, int(kind), code)
		}
	}
}

func TestErrorFormatting(t *testing.T) {
	err := New(ValidationFailed, "bad value %q", "x").WithXPath("/m:leaf")
	msg := err.Error()
	if msg != `bad value "x" (/m:leaf)` {
		t.Errorf("unexpected message: %s", msg)
	}

	wrapped := Wrap(Sys, errors.New("EIO"), "read failed")
	if wrapped.Error() != "read failed: EIO" {
		t.Errorf("unexpected wrapped message: %s", wrapped.Error())
	}
	if !errors.Is(wrapped, wrapped.Cause) {
		t.Error("Unwrap chain broken")
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(nil) != Ok {
		t.Error("nil must map to Ok")
	}
	if KindOf(errors.New("plain")) != Internal {
		t.Error("plain errors map to Internal")
	}
	err := fmt.Errorf("outer: %w", New(TimeOut, "lock"))
	if KindOf(err) != TimeOut {
		t.Error("KindOf must see through wrapping")
	}
	if !IsTimeout(err) {
		t.Error("IsTimeout must see through wrapping")
	}
}
