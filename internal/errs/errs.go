// Package errs classifies engine failures so callers can decide whether to
// retry, notify the user or ignore them.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the failure class of an Error.
type Kind string

const (
	// TransientNetwork covers relay publish and store fetch/write failures.
	TransientNetwork Kind = "transient_network"
	// PermissionDenied is returned when local media cannot be acquired.
	PermissionDenied Kind = "permission_denied"
	// Conflict is returned when a second call is attempted while busy.
	Conflict Kind = "conflict"
	// NotFound marks a referenced conversation or message that is not cached.
	NotFound Kind = "not_found"
	// ValidationNoop marks requests that are silently ignored (empty sends).
	ValidationNoop Kind = "validation_noop"
	// Blocked is returned when the access gate suppresses an action.
	Blocked Kind = "blocked"
	// InvalidState is returned when an operation is not allowed from the
	// current call state.
	InvalidState Kind = "invalid_state"
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an Error of the given kind.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether any error in err's chain is an Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the kind of the first Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
