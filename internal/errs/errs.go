// Package errs defines the error-kind taxonomy shared by every core
// component, so that HTTP-facing collaborators can translate a returned
// error into a status code without inspecting component-specific types.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of §7 propagation policy.
type Kind int

const (
	// KindInternal is the zero value and should not be constructed directly;
	// it maps to InternalError.
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindInvariant
	KindUnauthorized
	KindForbidden
	KindValidation
	KindTransient
	KindUpstreamUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	case KindInvariant:
		return "Invariant"
	case KindUnauthorized:
		return "Unauthorized"
	case KindForbidden:
		return "Forbidden"
	case KindValidation:
		return "ValidationError"
	case KindTransient:
		return "Transient"
	case KindUpstreamUnavailable:
		return "UpstreamUnavailable"
	default:
		return "InternalError"
	}
}

// Error wraps an underlying error with a Kind and the operation that failed.
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

func (e *Error) Unwrap() error { return e.Err }

// New constructs a Kind-tagged error.
func New(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// NotFound, Conflict, Invariant, Transient are constructors for the kinds
// that core components raise most often.
func NotFound(op string, err error) *Error    { return New(op, KindNotFound, err) }
func Conflict(op string, err error) *Error    { return New(op, KindConflict, err) }
func Invariant(op string, err error) *Error   { return New(op, KindInvariant, err) }
func Transient(op string, err error) *Error   { return New(op, KindTransient, err) }
func Validation(op string, err error) *Error  { return New(op, KindValidation, err) }
func Unavailable(op string, err error) *Error { return New(op, KindUpstreamUnavailable, err) }

// KindOf extracts the Kind from err, defaulting to KindInternal when err
// does not wrap an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err's Kind equals k.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}
