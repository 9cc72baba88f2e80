// Package errors provides the error code taxonomy shared by the storage,
// sync and facade layers.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a stable, machine-readable error code.
type ErrorCode string

const (
	// General errors
	ErrInternal       ErrorCode = "INTERNAL_ERROR"
	ErrInvalid        ErrorCode = "INVALID_INPUT"
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrPermission     ErrorCode = "PERMISSION_DENIED"
	ErrNotInitialized ErrorCode = "NOT_INITIALIZED"

	// Storage errors
	ErrStorage      ErrorCode = "STORAGE_ERROR"
	ErrStorageQuota ErrorCode = "STORAGE_QUOTA_EXCEEDED"
	ErrMigration    ErrorCode = "MIGRATION_FAILED"

	// Sync errors
	ErrSyncFailed     ErrorCode = "SYNC_FAILED"
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrOffline        ErrorCode = "OFFLINE"

	// State machine errors
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
)

// AppError represents an application error with code and message.
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

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error, or any error it wraps, carries the given code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in the chain,
// or ErrInternal when err is not an AppError.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// StorageError wraps a local persistence failure.
func StorageError(message string, err error) *AppError {
	return Wrap(ErrStorage, message, err)
}

// QuotaError reports that the local store ran out of space.
func QuotaError(message string) *AppError {
	return New(ErrStorageQuota, message)
}

// SyncError wraps a remote push or pull failure.
func SyncError(message string, err error) *AppError {
	return Wrap(ErrSyncFailed, message, err)
}

// IsStorageError reports whether err is a local persistence failure.
// Quota failures count as storage failures.
func IsStorageError(err error) bool {
	return Is(err, ErrStorage) || Is(err, ErrStorageQuota)
}
