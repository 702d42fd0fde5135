// Package errors provides error code definitions shared across the sync engine.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure. Codes are stable strings so they
// can be surfaced through the status API and logged without losing meaning.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Persistence errors
	ErrDatabase       ErrorCode = "DATABASE_ERROR"
	ErrMigration      ErrorCode = "MIGRATION_FAILED"
	ErrSaveFailed     ErrorCode = "SAVE_FAILED"
	ErrFetchFailed    ErrorCode = "FETCH_FAILED"
	ErrInvalidPayload ErrorCode = "INVALID_PAYLOAD"

	// Sync errors
	ErrNetworkUnavailable ErrorCode = "NETWORK_UNAVAILABLE"
	ErrAuthRequired       ErrorCode = "AUTH_REQUIRED"
	ErrServerError        ErrorCode = "SERVER_ERROR"
	ErrConflictResolution ErrorCode = "CONFLICT_RESOLUTION_FAILED"
	ErrDataCorruption     ErrorCode = "DATA_CORRUPTION"
	ErrQuotaExceeded      ErrorCode = "QUOTA_EXCEEDED"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrSyncUnknown        ErrorCode = "SYNC_UNKNOWN"
	ErrSyncTimeout        ErrorCode = "SYNC_TIMEOUT"
	ErrSyncPaused         ErrorCode = "SYNC_PAUSED"

	// Projection errors
	ErrEntityNotFound       ErrorCode = "ENTITY_NOT_FOUND"
	ErrUnsupportedEventType ErrorCode = "UNSUPPORTED_EVENT_TYPE"

	// Outbox errors
	ErrQueueItemNotFound ErrorCode = "QUEUE_ITEM_NOT_FOUND"
	ErrInvalidTransition ErrorCode = "INVALID_STATUS_TRANSITION"
)

// AppError carries a code, a human message and an optional wrapped cause.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError without a cause.
func New(code ErrorCode, message string) error {
	return &AppError{Code: code, Message: message}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) error {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a code and message. Returns nil if err is nil.
// The return type is error, not *AppError: callers pass the result
// straight through as their own error return, and a typed nil pointer in
// an error interface would read as a failure on every success path.
func Wrap(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Err: err}
}

// CodeOf extracts the ErrorCode from err, walking the wrap chain.
// Returns ErrInternal for non-AppError values.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Is reports whether err (or anything it wraps) carries the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Retryable reports whether a sync error class is worth retrying with
// backoff. Auth, quota and corruption failures need outside intervention,
// so retrying them only burns the retry budget.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrNetworkUnavailable, ErrServerError, ErrRateLimited, ErrSyncTimeout, ErrSyncUnknown:
		return true
	}
	return false
}
