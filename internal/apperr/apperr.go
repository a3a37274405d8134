// Package apperr defines the typed error taxonomy shared by every
// component: Provider Gateway, Persistence Layer, and the orchestrator
// all classify failures into one of these kinds so the orchestrator can
// decide whether to retry, degrade, or fail a task.
package apperr

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

// Kind is one entry in the closed error taxonomy.
type Kind string

const (
	KindInput               Kind = "input_error"
	KindProviderTransport   Kind = "provider_transport_error"
	KindProviderShape       Kind = "provider_shape_error"
	KindBudgetExhausted     Kind = "budget_exhausted"
	KindDeadlineExceeded    Kind = "deadline_exceeded"
	KindCancelled           Kind = "cancelled"
	KindPersistence         Kind = "persistence_error"
	KindInternal            Kind = "internal_error"
)

// Error is a typed, wrapped error carrying one taxonomy Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err (or, if err is nil, a bare message) under kind.
func New(kind Kind, err error, msg string) *Error {
	if err == nil {
		return &Error{Kind: kind, Err: eris.New(msg)}
	}
	return &Error{Kind: kind, Err: eris.Wrap(err, msg)}
}

// Newf is New with a formatted message.
func Newf(kind Kind, err error, format string, args ...any) *Error {
	return New(kind, err, fmt.Sprintf(format, args...))
}

// Is reports whether err (or anything in its chain) has the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the taxonomy Kind of err, defaulting to KindInternal
// when err carries no *Error in its chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
