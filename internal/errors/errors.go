// Package errors provides structured error types for cam.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code represents a unique error code surfaced in the API envelope.
type Code string

// Error codes for cam.
const (
	CodeInvalidInput  Code = "INVALID_INPUT"
	CodeNotFound      Code = "NOT_FOUND"
	CodeStateConflict Code = "STATE_CONFLICT"
	CodeForbidden     Code = "FORBIDDEN"
	CodeInternal      Code = "INTERNAL_ERROR"

	// Internal-only codes. These never reach the API envelope directly:
	// dependency-blocked failures are recovered into a failed task row.
	CodeDependencyBlocked Code = "DEPENDENCY_BLOCKED"
	CodeProviderError     Code = "EXTERNAL_PROVIDER_ERROR"
)

// HTTPStatus returns the HTTP status code for an error code.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidInput:
		return 400
	case CodeNotFound:
		return 404
	case CodeStateConflict:
		return 409
	case CodeForbidden:
		return 403
	default:
		return 500
	}
}

// CamError is the structured error type for cam.
type CamError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Extra   any    `json:"extra,omitempty"`
	Cause   error  `json:"-"`
}

// Error implements the error interface.
func (e *CamError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *CamError) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *CamError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// Is reports whether target is a CamError with the same code.
func (e *CamError) Is(target error) bool {
	t, ok := target.(*CamError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithExtra returns a copy of the error carrying structured details.
func (e *CamError) WithExtra(extra any) *CamError {
	return &CamError{Code: e.Code, Message: e.Message, Extra: extra, Cause: e.Cause}
}

// --- Constructors ---

// InvalidInput returns a 400-category error for malformed or forbidden input.
func InvalidInput(format string, args ...any) *CamError {
	return &CamError{Code: CodeInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// NotFound returns a 404-category error for a missing entity.
func NotFound(kind, id string) *CamError {
	return &CamError{Code: CodeNotFound, Message: fmt.Sprintf("%s %s not found", kind, id)}
}

// StateConflict returns a 409-category error. observedStatus is the status
// the store held when the mutation was refused, so callers can resync.
func StateConflict(message, observedStatus string) *CamError {
	e := &CamError{Code: CodeStateConflict, Message: message}
	if observedStatus != "" {
		e.Extra = map[string]any{"currentStatus": observedStatus}
	}
	return e
}

// Forbidden returns a 403-category error.
func Forbidden(message string) *CamError {
	return &CamError{Code: CodeForbidden, Message: message}
}

// Internal wraps an unexpected error. The message surfaced to clients is
// generic; the cause is logged server-side only.
func Internal(err error) *CamError {
	return &CamError{Code: CodeInternal, Message: "internal error", Cause: err}
}

// AsCamError attempts to convert an error to a CamError.
// Returns nil if the error is not a CamError.
func AsCamError(err error) *CamError {
	var ce *CamError
	if stderrors.As(err, &ce) {
		return ce
	}
	return nil
}
