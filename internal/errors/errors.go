package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a Keel error code.
type ErrorCode string

const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST" // 400
	ErrNotFound       ErrorCode = "NOT_FOUND"       // 404
	ErrConflict       ErrorCode = "CONFLICT"        // 409
	ErrStorageFailure ErrorCode = "STORAGE_FAILURE" // 503
	ErrInternal       ErrorCode = "INTERNAL"        // 500
)

// KeelError represents a structured error with code, status, and details.
type KeelError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any

	cause error
}

// Error implements the error interface.
func (e *KeelError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *KeelError) Unwrap() error {
	return e.cause
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *KeelError {
	return &KeelError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for a missing entity.
// kind names the entity ("session", "snippet", "requirement", ...).
func NewNotFound(kind, id string) *KeelError {
	return &KeelError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("%s not found: %s", kind, id),
		Details: map[string]any{"kind": kind, "id": id},
	}
}

// NewConflict creates a 409 error for identity collisions.
func NewConflict(msg string) *KeelError {
	return &KeelError{
		Code:    ErrConflict,
		Status:  409,
		Message: msg,
	}
}

// NewStorageFailure creates a 503 error for a failed persistence write.
// The mutation that triggered the write has not been applied.
func NewStorageFailure(err error) *KeelError {
	msg := "storage failure"
	if err != nil {
		msg = fmt.Sprintf("storage failure: %v", err)
	}
	return &KeelError{
		Code:    ErrStorageFailure,
		Status:  503,
		Message: msg,
		cause:   err,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *KeelError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &KeelError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
		cause:   err,
	}
}

// Is checks if an error is (or wraps) a KeelError with the given code.
func Is(err error, code ErrorCode) bool {
	var kErr *KeelError
	if stderrors.As(err, &kErr) {
		return kErr.Code == code
	}
	return false
}

// As returns the KeelError in err's chain, or an internal error wrapping err.
func As(err error) *KeelError {
	var kErr *KeelError
	if stderrors.As(err, &kErr) {
		return kErr
	}
	return NewInternal(err)
}
