// Package errext contains extensions for normal Go errors that classify
// test-run failures so they can be reported to the server and asserted on in
// tests instead of collapsing into opaque strings.
package errext

import (
	"errors"
	"fmt"
)

// Kind identifies the failure class of a test-run error.
type Kind string

// The failure classes a run can record. Connection and shaping errors are
// fatal to the run, command timeouts may degrade or abort depending on the
// command, evaluation failures only ever degrade to an absent result.
const (
	KindConnection     Kind = "connection"
	KindCommandTimeout Kind = "command-timeout"
	KindEvaluation     Kind = "evaluation"
	KindShaping        Kind = "traffic-shaping"
	KindUnhandled      Kind = "unhandled"
)

// HasKind is a wrapper around an error with an attached failure kind.
type HasKind interface {
	error
	ErrorKind() Kind
}

// TestError is a run failure with an attached Kind.
type TestError struct {
	Kind    Kind
	Message string
	wrapped error
}

// New creates a TestError of the given kind.
func New(kind Kind, format string, args ...interface{}) *TestError {
	return &TestError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a TestError of the given kind that wraps err and keeps it
// reachable through errors.Unwrap.
func Wrap(kind Kind, err error, format string, args ...interface{}) *TestError {
	return &TestError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...) + ": " + err.Error(),
		wrapped: err,
	}
}

func (e *TestError) Error() string { return e.Message }

// ErrorKind implements HasKind.
func (e *TestError) ErrorKind() Kind { return e.Kind }

func (e *TestError) Unwrap() error { return e.wrapped }

// KindOf extracts the failure kind from err, defaulting to KindUnhandled for
// errors that never got classified.
func KindOf(err error) Kind {
	var hk HasKind
	if errors.As(err, &hk) {
		return hk.ErrorKind()
	}
	return KindUnhandled
}

var _ HasKind = &TestError{}
