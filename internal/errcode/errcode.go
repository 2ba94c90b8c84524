// Package errcode defines the error taxonomy surfaced to library callers.
//
// Every failure crossing a package boundary is either a plain sentinel
// error (mechanical format/size mismatches) or an *Error carrying one of
// the numeric kinds below. The numeric values are part of the on-the-wire
// and on-disk contract and must not be renumbered.
package errcode

import (
	"errors"
	"fmt"
)

// Kind is a stable numeric error category.
type Kind int

const (
	Ok               Kind = 0
	InvalArg         Kind = 1
	NoMem            Kind = 2
	NotFound         Kind = 3
	Internal         Kind = 4
	Unsupported      Kind = 5
	ValidationFailed Kind = 6
	OperationFailed  Kind = 7
	Unauthorized     Kind = 8
	LockFailed       Kind = 9
	TimeOut          Kind = 10
	CallbackFailed   Kind = 11
	Sys              Kind = 12
	Exists           Kind = 13
)

var kindNames = map[Kind]string{
	Ok:               "ok",
	InvalArg:         "invalid argument",
	NoMem:            "out of memory",
	NotFound:         "not found",
	Internal:         "internal error",
	Unsupported:      "unsupported",
	ValidationFailed: "validation failed",
	OperationFailed:  "operation failed",
	Unauthorized:     "unauthorized",
	LockFailed:       "lock failed",
	TimeOut:          "timeout",
	CallbackFailed:   "callback failed",
	Sys:              "system error",
	Exists:           "already exists",
}

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a structured library error. XPath, when set, points at the data
// node the failure is about. Cause, when set, is the wrapped lower-level
// error (OS errno text, codec error, subscriber message).
type Error struct {
	Kind    Kind
	XPath   string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.XPath != "" {
		msg = msg + " (" + e.XPath + ")"
	}
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports kind equality so callers can match with errors.Is(err, &Error{Kind: k}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New creates an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind wrapping a cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithXPath returns a copy of the error annotated with an xpath.
func (e *Error) WithXPath(xpath string) *Error {
	dup := *e
	dup.XPath = xpath
	return &dup
}

// KindOf extracts the Kind from an error chain. Plain errors map to
// Internal; nil maps to Ok.
func KindOf(err error) Kind {
	if err == nil {
		return Ok
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsTimeout reports whether the error chain contains a TimeOut error.
func IsTimeout(err error) bool {
	return KindOf(err) == TimeOut
}
