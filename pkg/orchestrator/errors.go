// Package orchestrator implements the deployment task core: the task store,
// the reconciler state machine, and the dispatcher that ties requests to
// resource drivers.
package orchestrator

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for retry and surfacing decisions.
type ErrorClass string

const (
	// ErrorClassValidation indicates a malformed or semantically invalid
	// request. Surfaced synchronously to the caller; no task is created.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassTransient indicates a temporary failure that may succeed on
	// retry. Examples: network timeouts, control-plane rate limiting.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a state conflict: a lost
	// compare-and-transition race, or a resource that already exists with a
	// divergent spec. Not retried; the caller must inspect current state.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable failure.
	// Examples: invalid credentials, quota exceeded.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassNotFound indicates an unknown task or resource identifier.
	ErrorClassNotFound ErrorClass = "not_found"
)

// Error is a classified error with resource and operation context.
// Driver and store failures are wrapped in this type so the reconciler can
// decide between retrying, failing immediately, and aborting silently.
type Error struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource name that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Resource != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s): %s",
			e.Class, e.Message, e.Resource, e.Operation, e.unwrapMessage())
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s): %s",
			e.Class, e.Message, e.Resource, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *Error {
	return &Error{Class: ErrorClassValidation, Message: message, Err: err}
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *Error {
	return &Error{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Message: message, Err: err}
}

// NewNotFoundError creates a new not-found error.
func NewNotFoundError(message string, err error) *Error {
	return &Error{Class: ErrorClassNotFound, Message: message, Err: err}
}

// WithResource adds resource context to an error.
func (e *Error) WithResource(name string) *Error {
	e.Resource = name
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool {
	return classOf(err) == ErrorClassValidation
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return classOf(err) == ErrorClassTransient
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return classOf(err) == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return classOf(err) == ErrorClassPermanent
}

// IsNotFound returns true if the error is classified as not-found.
func IsNotFound(err error) bool {
	return classOf(err) == ErrorClassNotFound
}

// IsRetryable returns true if the error may succeed on retry.
// Only transient errors are retried: conflicts require caller intervention
// and permanent errors never recover.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

func classOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// Classify wraps an arbitrary error as an *Error. Errors that already carry
// a class pass through unchanged; everything else is treated as permanent.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewPermanentError("unclassified failure", err).WithCode(ErrCodeInternal)
}

// Common error codes.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeAlreadyExists  = "ALREADY_EXISTS"
	ErrCodeStateConflict  = "STATE_CONFLICT"
	ErrCodeSpecDiverged   = "SPEC_DIVERGED"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeRetryExhausted = "RETRY_EXHAUSTED"
	ErrCodeInternal       = "INTERNAL_ERROR"
	ErrCodeDriverFailed   = "DRIVER_FAILED"
)
