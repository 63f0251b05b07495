package coyote

import (
	"errors"
	"fmt"
)

// Kind classifies a device-layer failure so callers can branch without
// matching error strings.
type Kind int

const (
	// KindUnavailable means no usable adapter: missing, disabled, or the
	// platform stack refused to initialize. Surfaced before any connect.
	KindUnavailable Kind = iota + 1

	// KindNotFound means the target device, service, or characteristic is
	// absent. Not retryable.
	KindNotFound

	// KindTransient covers timeouts and platform-busy failures that the
	// bounded retry policies may absorb.
	KindTransient

	// KindPermissionDenied is an OS-level access refusal. Never retried.
	KindPermissionDenied

	// KindInvalidState means the operation was attempted outside the
	// connection state it requires, rejected without touching the link.
	KindInvalidState
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindPermissionDenied:
		return "permission_denied"
	case KindInvalidState:
		return "invalid_state"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the device layer's typed error. Op names the public operation that
// failed; Err carries the underlying cause, if any.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newError builds a typed error with a formatted cause.
func newError(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// wrapError classifies an underlying error. Already-typed errors keep their
// kind so classification survives layering.
func wrapError(kind Kind, op string, err error) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		kind = typed.Kind
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the classification of err, or 0 for untyped errors.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return 0
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// retryable reports whether a failure may be absorbed by a retry budget.
// Untyped platform errors count as transient.
func retryable(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindPermissionDenied, KindInvalidState, KindUnavailable:
		return false
	}
	return true
}
