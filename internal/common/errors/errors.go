// Package errors provides the typed errors surfaced by the orchestrator,
// the replay subsystem and the HTTP relay.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeNotRunning      = "NOT_RUNNING"
	ErrCodeReplayReadOnly  = "REPLAY_READ_ONLY"
	ErrCodeSpawnFailed     = "SPAWN_FAILED"
	ErrCodeNotSupported    = "NOT_SUPPORTED"
	ErrCodeBadRequest      = "BAD_REQUEST"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeTapeCorrupt     = "TAPE_CORRUPT"
	ErrCodeBundleIntegrity = "BUNDLE_INTEGRITY"
	ErrCodeInternalError   = "INTERNAL_ERROR"
)

// Sentinels for errors.Is. Any AppError with the same code matches.
var (
	ErrNotFound        = &AppError{Code: ErrCodeNotFound}
	ErrNotRunning      = &AppError{Code: ErrCodeNotRunning}
	ErrReplayReadOnly  = &AppError{Code: ErrCodeReplayReadOnly}
	ErrSpawnFailed     = &AppError{Code: ErrCodeSpawnFailed}
	ErrNotSupported    = &AppError{Code: ErrCodeNotSupported}
	ErrBadRequest      = &AppError{Code: ErrCodeBadRequest}
	ErrConflict        = &AppError{Code: ErrCodeConflict}
	ErrTapeCorrupt     = &AppError{Code: ErrCodeTapeCorrupt}
	ErrBundleIntegrity = &AppError{Code: ErrCodeBundleIntegrity}
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an AppError with the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NotFound creates a new not found error for a resource.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// NotRunning is returned for actions against a terminated session.
func NotRunning(id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotRunning,
		Message:    fmt.Sprintf("session '%s' is not running", id),
		HTTPStatus: http.StatusConflict,
	}
}

// ReplayReadOnly is returned for mutating actions against a replaying session.
func ReplayReadOnly(id, action string) *AppError {
	return &AppError{
		Code:       ErrCodeReplayReadOnly,
		Message:    fmt.Sprintf("replay is read-only: %s rejected for session '%s'", action, id),
		HTTPStatus: http.StatusForbidden,
	}
}

// SpawnFailure wraps a failed backend process start.
func SpawnFailure(backend string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeSpawnFailed,
		Message:    fmt.Sprintf("failed to start %s backend", backend),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// NotSupported is returned when a backend lacks a capability.
func NotSupported(backend, capability string) *AppError {
	return &AppError{
		Code:       ErrCodeNotSupported,
		Message:    fmt.Sprintf("%s backend does not support %s", backend, capability),
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// TapeCorruption reports an unreadable tape entry.
func TapeCorruption(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeTapeCorrupt,
		Message:    message,
		HTTPStatus: http.StatusUnprocessableEntity,
		Err:        err,
	}
}

// BundleIntegrity reports a malformed repro bundle.
func BundleIntegrity(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBundleIntegrity,
		Message:    message,
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// InternalError creates a new internal error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return InternalError(message, err)
}

// Code returns the code of the first AppError in err's chain, or
// INTERNAL_ERROR.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
