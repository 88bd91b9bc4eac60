// Package errors defines the sentinel errors shared across the search
// engine and maps them to HTTP status codes for the host API surface.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrStillBuilding signals that a collection's index build has not
	// finished within the caller's grace period. It is a transient
	// condition, not a failure: callers should report "not ready" and
	// poll again.
	ErrStillBuilding = errors.New("index is still building")

	ErrCollectionNotFound = errors.New("collection not found")
	ErrSourceFailed       = errors.New("document source failed")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInternal           = errors.New("internal error")
)

// AppError carries a sentinel error, a human-readable message, and the
// HTTP status the host should respond with.
type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// IsStillBuilding reports whether err is the transient not-ready
// condition.
func IsStillBuilding(err error) bool {
	return errors.Is(err, ErrStillBuilding)
}

// IsSentinel reports whether err already carries one of the package
// sentinels. Callers use it to pass classified errors through instead
// of re-wrapping them.
func IsSentinel(err error) bool {
	for _, s := range []error{ErrStillBuilding, ErrCollectionNotFound, ErrSourceFailed, ErrInvalidInput, ErrInternal} {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}

// HTTPStatusCode maps an error to the HTTP status the host API should
// return.
func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrCollectionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrStillBuilding):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrSourceFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
