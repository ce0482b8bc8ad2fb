// Package apperr provides the coded error type shared by the fleet services.
// Callers branch on the Code rather than on message text.
package apperr

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers and for HTTP status mapping.
type Code string

const (
	CodeUnknown         Code = "UNKNOWN"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeExternalFailure Code = "EXTERNAL_FAILURE"
	CodeStorageFailure  Code = "STORAGE_FAILURE"
)

// Error is a coded error with an optional cause.
type Error struct {
	code    Code
	message string
	cause   error
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

// Newf is New with fmt formatting.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, cause error, message string) *Error {
	return &Error{code: code, message: message, cause: cause}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches any *Error carrying the same code, so sentinels such as
// ErrUnauthorized work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.code == t.code
}

// Code returns the error code.
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message returns the message without the code prefix or cause.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Sentinels for errors.Is checks.
var (
	ErrUnauthorized = New(CodeUnauthorized, "unauthorized")
	ErrNotFound     = New(CodeNotFound, "not found")
	ErrConflict     = New(CodeConflict, "conflict")
	ErrInvalid      = New(CodeInvalidArgument, "invalid argument")
)

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	var target *Error
	if errors.As(err, &target) {
		return target.Code()
	}
	return CodeUnknown
}

// Unauthorized reports an organization or team mismatch.
func Unauthorized(format string, args ...any) *Error {
	return Newf(CodeUnauthorized, format, args...)
}

// NotFound reports a missing entity.
func NotFound(kind, id string) *Error {
	return Newf(CodeNotFound, "%s %s not found", kind, id)
}

// Conflict reports a state precondition failure.
func Conflict(format string, args ...any) *Error {
	return Newf(CodeConflict, format, args...)
}

// Invalid reports bad input.
func Invalid(format string, args ...any) *Error {
	return Newf(CodeInvalidArgument, format, args...)
}
