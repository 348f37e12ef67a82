// Package errors defines the structured application error used across service and transport layers.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a category of application error.
type ErrorCode string

const (
	// ErrCodeNotFound indicates a resource was not found.
	ErrCodeNotFound ErrorCode = "not_found"
	// ErrCodeConflict indicates the resource is not in a state that allows the operation.
	ErrCodeConflict ErrorCode = "conflict"
	// ErrCodeValidation indicates invalid input data.
	ErrCodeValidation ErrorCode = "validation"
	// ErrCodeUnprocessable indicates a well-formed request that cannot be honoured, such as a spent retry budget.
	ErrCodeUnprocessable ErrorCode = "unprocessable"
	// ErrCodeUnavailable indicates a dependency is temporarily unreachable.
	ErrCodeUnavailable ErrorCode = "unavailable"
	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal ErrorCode = "internal"
	// ErrCodeTimeout indicates a timeout occurred.
	ErrCodeTimeout ErrorCode = "timeout"
	// ErrCodeCanceled indicates the operation was canceled.
	ErrCodeCanceled ErrorCode = "canceled"
)

// AppError is a categorised error with a caller-safe message and an optional cause.
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	// Field names the offending input for validation errors.
	Field string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *AppError) Unwrap() error {
	return e.Cause
}

func newf(code ErrorCode, format string, args ...any) *AppError {
	if len(args) == 0 {
		return &AppError{Code: code, Message: format}
	}
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a NotFound error.
func NotFound(format string, args ...any) *AppError { return newf(ErrCodeNotFound, format, args...) }

// Conflict creates a Conflict error.
func Conflict(format string, args ...any) *AppError { return newf(ErrCodeConflict, format, args...) }

// Validation creates a Validation error.
func Validation(format string, args ...any) *AppError {
	return newf(ErrCodeValidation, format, args...)
}

// Unprocessable creates an Unprocessable error.
func Unprocessable(format string, args ...any) *AppError {
	return newf(ErrCodeUnprocessable, format, args...)
}

// Internal creates an Internal error.
func Internal(format string, args ...any) *AppError { return newf(ErrCodeInternal, format, args...) }

// ValidationField creates a Validation error for a specific input field.
func ValidationField(field, message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message, Field: field}
}

// Wrap wraps err with a code and message. It returns nil when err is nil.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Cause: err}
}

// Wrapf wraps err with a code and formatted message. It returns nil when err is nil.
func Wrapf(err error, code ErrorCode, format string, args ...any) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// GetCode returns the code of the first AppError in err's chain, or "".
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// GetField returns the field of the first AppError in err's chain, or "".
func GetField(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

func IsNotFound(err error) bool      { return IsCode(err, ErrCodeNotFound) }
func IsConflict(err error) bool      { return IsCode(err, ErrCodeConflict) }
func IsValidation(err error) bool    { return IsCode(err, ErrCodeValidation) }
func IsUnprocessable(err error) bool { return IsCode(err, ErrCodeUnprocessable) }
func IsTimeout(err error) bool       { return IsCode(err, ErrCodeTimeout) }
func IsCanceled(err error) bool      { return IsCode(err, ErrCodeCanceled) }
