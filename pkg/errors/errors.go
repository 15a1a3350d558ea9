// Package errors defines the error taxonomy shared by the document engine,
// its services and the HTTP surface.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// Structural errors
	ErrorTypeNotFound           ErrorType = "NOT_FOUND"
	ErrorTypeCycle              ErrorType = "CYCLE"
	ErrorTypeImmutable          ErrorType = "IMMUTABLE"
	ErrorTypeOutOfRange         ErrorType = "OUT_OF_RANGE"
	ErrorTypeInvalidOperation   ErrorType = "INVALID_OPERATION"
	ErrorTypeInvariantViolation ErrorType = "INVARIANT_VIOLATION"
	ErrorTypePendingWrite       ErrorType = "PENDING_WRITE"

	// Application errors
	ErrorTypeValidation ErrorType = "VALIDATION"
	ErrorTypeInternal   ErrorType = "INTERNAL"

	// External errors
	ErrorTypeGenerator ErrorType = "GENERATOR"
	ErrorTypeStorage   ErrorType = "STORAGE"
)

// AppError represents an application-specific error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Message    string                 `json:"message"`
	Code       string                 `json:"code,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	HTTPStatus int                    `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithCode adds an error code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// WithDetail adds a single detail entry
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Cause = err
	return e
}

// NewNotFoundError creates a not found error for the given resource and id.
func NewNotFoundError(resource, id string) *AppError {
	return (&AppError{
		Type:       ErrorTypeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
	}).WithDetail("id", id)
}

// NewCycleError is returned when a reparent would make a node its own ancestor.
func NewCycleError(nodeID, newParentID string) *AppError {
	return (&AppError{
		Type:       ErrorTypeCycle,
		Message:    "move would create a cycle",
		HTTPStatus: http.StatusConflict,
	}).WithDetail("node_id", nodeID).WithDetail("new_parent_id", newParentID)
}

// NewImmutableError is returned when an operation targets a node flagged immutable.
// The usual remedy is to unzip the node first.
func NewImmutableError(nodeID string) *AppError {
	return (&AppError{
		Type:       ErrorTypeImmutable,
		Message:    "node is immutable",
		HTTPStatus: http.StatusLocked,
	}).WithDetail("node_id", nodeID)
}

// NewOutOfRangeError creates an out of range error
func NewOutOfRangeError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeOutOfRange,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInvalidOperationError creates an invalid operation error
func NewInvalidOperationError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInvalidOperation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInvariantViolation signals that the tree and a caller's view of it (or the
// tree itself) are inconsistent. Callers must reload before retrying.
func NewInvariantViolation(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInvariantViolation,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// NewPendingWriteError is returned when a foreground write targets a placeholder
// whose generation result has not been applied yet.
func NewPendingWriteError(nodeID string) *AppError {
	return (&AppError{
		Type:       ErrorTypePendingWrite,
		Message:    "node is awaiting a generation result",
		HTTPStatus: http.StatusConflict,
	}).WithDetail("node_id", nodeID)
}

// NewValidationError creates a validation error
func NewValidationError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInternalError creates an internal error
func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// NewGeneratorError wraps a provider failure
func NewGeneratorError(provider string, err error) *AppError {
	return &AppError{
		Type:       ErrorTypeGenerator,
		Message:    fmt.Sprintf("generator '%s' failed", provider),
		Cause:      err,
		HTTPStatus: http.StatusBadGateway,
	}
}

// NewStorageError creates a storage error
func NewStorageError(operation string, err error) *AppError {
	return &AppError{
		Type:       ErrorTypeStorage,
		Message:    fmt.Sprintf("storage operation '%s' failed", operation),
		Cause:      err,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Helper functions

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from an error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// IsType checks if an error is of a specific type
func IsType(err error, errType ErrorType) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Type == errType
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}

// IsCycle checks if an error is a cycle error
func IsCycle(err error) bool {
	return IsType(err, ErrorTypeCycle)
}

// IsImmutable checks if an error is an immutable error
func IsImmutable(err error) bool {
	return IsType(err, ErrorTypeImmutable)
}

// IsOutOfRange checks if an error is an out of range error
func IsOutOfRange(err error) bool {
	return IsType(err, ErrorTypeOutOfRange)
}

// IsInvalidOperation checks if an error is an invalid operation error
func IsInvalidOperation(err error) bool {
	return IsType(err, ErrorTypeInvalidOperation)
}

// IsInvariantViolation checks if an error is an invariant violation
func IsInvariantViolation(err error) bool {
	return IsType(err, ErrorTypeInvariantViolation)
}

// IsPendingWrite checks if an error is a pending write error
func IsPendingWrite(err error) bool {
	return IsType(err, ErrorTypePendingWrite)
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	return IsType(err, ErrorTypeValidation)
}

// IsGenerator checks if an error is a generator error
func IsGenerator(err error) bool {
	return IsType(err, ErrorTypeGenerator)
}

// IsStorage checks if an error is a storage error
func IsStorage(err error) bool {
	return IsType(err, ErrorTypeStorage)
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	// If it's already an AppError, add context to message
	if appErr := GetAppError(err); appErr != nil {
		appErr.Message = fmt.Sprintf("%s: %s", message, appErr.Message)
		return appErr
	}

	// Otherwise create a new internal error
	return NewInternalError(message).WithCause(err)
}

// Wrapf wraps an error with formatted message
func Wrapf(err error, format string, args ...interface{}) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}
