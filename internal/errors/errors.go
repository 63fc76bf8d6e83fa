// Package errors provides the error taxonomy of the offline layer.
//
// Every failure that crosses a package boundary is an *AppError carrying an
// ErrorCode. The code decides the propagation policy: recoverable codes are
// logged and absorbed at the cache/queue boundary, terminal codes reach the
// caller.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique, stable error code.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"
	ErrConfig   ErrorCode = "CONFIG_INVALID"
	ErrEncoding ErrorCode = "ENCODING_FAILED"

	// Storage errors
	ErrStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	ErrMigration          ErrorCode = "MIGRATION_FAILED"

	// Transport errors
	ErrNetworkFailure ErrorCode = "NETWORK_FAILURE"
	ErrUpstream       ErrorCode = "UPSTREAM_ERROR"
	ErrOfflineNoData  ErrorCode = "OFFLINE_NO_DATA"

	// Sync errors
	ErrMaxRetriesExceeded ErrorCode = "MAX_RETRIES_EXCEEDED"
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

// CodeOf returns the code of the outermost AppError in err's chain,
// or ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Is checks if an error (or anything it wraps) is of a specific code.
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

// IsRecoverable reports whether err belongs to the class of failures that the
// offline layer absorbs locally (degraded storage, unreachable network,
// upstream rejections, exhausted retries). Terminal errors such as
// ErrOfflineNoData, invalid input, and plain non-AppErrors are not recoverable.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case ErrStorageUnavailable, ErrNetworkFailure, ErrUpstream, ErrMaxRetriesExceeded, ErrEncoding:
		return true
	}
	return false
}
