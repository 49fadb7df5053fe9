// Package errors provides the error codes shared by the driver sync core.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a failure class. Codes are stable strings so the UI shell
// can match on them across the local API.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Location setup errors, fatal to StartTracking
	ErrPermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrServiceDisabled  ErrorCode = "SERVICE_DISABLED"

	// Remote errors
	ErrNetwork          ErrorCode = "NETWORK_ERROR"
	ErrResourceNotFound ErrorCode = "RESOURCE_NOT_FOUND"
	ErrAuthExpired      ErrorCode = "AUTH_EXPIRED"

	// Sync outcomes
	ErrServerWins       ErrorCode = "SERVER_WINS"
	ErrRetriesExhausted ErrorCode = "RETRIES_EXHAUSTED"
	ErrSyncInProgress   ErrorCode = "SYNC_IN_PROGRESS"

	// Local storage and setup
	ErrDatabase      ErrorCode = "DATABASE_ERROR"
	ErrMigration     ErrorCode = "MIGRATION_FAILED"
	ErrConfigInvalid ErrorCode = "CONFIG_INVALID"
	ErrCryptoFailed  ErrorCode = "CRYPTO_FAILED"
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

// Is reports whether any error in err's chain is an AppError with the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
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

// CodeOf returns the code of the outermost AppError in err's chain, or
// ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	return Is(err, ErrNetwork) || Is(err, ErrAuthExpired)
}
