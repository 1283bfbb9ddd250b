package genome

import (
	"errors"
	"fmt"
)

// ErrorKind classifies registry failures. Every mutating operation either
// succeeds atomically or fails with one of these kinds; none are retried
// internally.
type ErrorKind string

// Failure taxonomy shared by all registry components.
const (
	// KindValidation marks malformed input or an empty required field.
	KindValidation ErrorKind = "validation"
	// KindNotFound marks an absent referenced entity.
	KindNotFound ErrorKind = "not_found"
	// KindState marks an operation invalid for the current state-machine state.
	KindState ErrorKind = "state"
	// KindPermission marks a separation-of-duties or authorization violation.
	KindPermission ErrorKind = "permission"
	// KindQuota marks an exhausted propagation budget.
	KindQuota ErrorKind = "quota"
	// KindIntegrity marks a content hash mismatch.
	KindIntegrity ErrorKind = "integrity"
	// KindResource marks a sandbox or isolation allocation failure.
	KindResource ErrorKind = "resource"
	// KindOperation marks an external pipeline or deploy step failure.
	KindOperation ErrorKind = "operation"
	// KindConflict marks concurrent re-entry into an exclusive operation.
	KindConflict ErrorKind = "conflict"
)

// Error is the structured failure value carried across component boundaries.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.Err }

// NewError builds a structured error with a formatted reason.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// WrapError attaches a cause to a structured error.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

// IsKind reports whether err (or anything it wraps) is a registry error of
// the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}

// KindOf extracts the kind from a registry error, or "" for foreign errors.
func KindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}
