// Package errors provides the error code taxonomy for the sync engine.
package errors

import "fmt"

// ErrorCode identifies a class of sync failure. Codes decide how the
// orchestrator reacts: retry, abort, surface per-entity, or report.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Sync cycle errors
	ErrSyncBusy           ErrorCode = "SYNC_BUSY"
	ErrTransientNetwork   ErrorCode = "TRANSIENT_NETWORK"
	ErrAuthRejected       ErrorCode = "AUTH_REJECTED"
	ErrConflictUnresolved ErrorCode = "CONFLICT_UNRESOLVED"
	ErrIntegrityViolation ErrorCode = "INTEGRITY_VIOLATION"
	ErrCycleDetected      ErrorCode = "CYCLE_DETECTED"
	ErrCycleCancelled     ErrorCode = "CYCLE_CANCELLED"

	// File transfer errors
	ErrTransferFailed  ErrorCode = "TRANSFER_FAILED"
	ErrURLExpired      ErrorCode = "URL_EXPIRED"
	ErrObjectNotFound  ErrorCode = "OBJECT_NOT_FOUND"
	ErrStorageRejected ErrorCode = "STORAGE_REJECTED"
)

// AppError represents a sync engine error with a code and message.
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

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code. If err already carries a
// code, that code is preserved unless the caller supplies a more specific one.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error (anywhere in its chain) carries a specific code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok && appErr.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CodeOf returns the code of the outermost AppError in the chain, or
// ErrInternal if the error carries no code.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if appErr, ok := err.(*AppError); ok {
			return appErr.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ErrInternal
}

// IsRetryable reports whether the error class is safe to retry with backoff.
func IsRetryable(err error) bool {
	return Is(err, ErrTransientNetwork) || Is(err, ErrURLExpired)
}
