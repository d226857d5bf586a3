// Package domainerrors carries coded errors across service boundaries.
//
// Stores return sentinel errors (pkg/platform/sentinel); services translate them
// into one of the codes below so handlers can map them to transport responses
// without inspecting messages.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers and transports.
type Code string

const (
	// CodeBadRequest covers malformed transport input (bad JSON, missing params).
	CodeBadRequest Code = "bad_request"
	// CodeValidation covers input that is well formed but violates a rule
	// (empty override reason, unknown check type, reason too short).
	CodeValidation Code = "validation_error"
	// CodeUnauthorized means no authenticated actor is present.
	CodeUnauthorized Code = "unauthorized"
	// CodeForbidden means the actor lacks the capability for the operation.
	CodeForbidden Code = "forbidden"
	// CodeNotFound covers unknown check, order, delivery ids and unknown policy scopes.
	CodeNotFound Code = "not_found"
	// CodeConflict means an optimistic-concurrency guard rejected a stale transition.
	CodeConflict Code = "conflict"
	// CodePersistence covers storage failures. See Retryable.
	CodePersistence Code = "persistence_error"
	// CodeInvariantViolation is raised by model constructors and transition guards.
	CodeInvariantViolation Code = "invariant_violation"
	// CodeInternal is anything else.
	CodeInternal Code = "internal_error"
)

// Error is a coded domain error. Retryable is only meaningful for CodePersistence.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) error {
	return &Error{Code: code, Message: message, Err: err}
}

// Persistence wraps a storage failure. Transient failures (timeouts, lost
// connections, serialization failures) are marked retryable.
func Persistence(err error, message string, transient bool) error {
	return &Error{Code: CodePersistence, Message: message, Retryable: transient, Err: err}
}

// As returns the outermost coded error in err's chain.
func As(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	de, ok := As(err)
	return ok && de.Code == code
}

// Is is an alias of HasCode kept for call sites that read better with it.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// CodeOf returns err's code, or CodeInternal when err is not coded.
func CodeOf(err error) Code {
	if de, ok := As(err); ok {
		return de.Code
	}
	return CodeInternal
}

// IsRetryable reports whether a caller may safely retry the operation.
func IsRetryable(err error) bool {
	de, ok := As(err)
	return ok && de.Code == CodePersistence && de.Retryable
}
