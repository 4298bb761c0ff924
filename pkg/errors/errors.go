package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// WorkerError provides a structured error carrying the failure class used
// by the caching and sync layers to pick a fallback path.
type WorkerError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

func (e *WorkerError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *WorkerError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// WithInternal returns a copy of the WorkerError with an attached internal error.
func (e *WorkerError) WithInternal(err error) *WorkerError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// Failure classes shared across the worker. Cache misses are normal control
// flow that select a fallback; they are never logged as failures.
var (
	ErrCacheMiss = &WorkerError{
		Code:       "cache.miss",
		Message:    "No cached response for request",
		StatusCode: http.StatusNotFound,
	}

	ErrNetworkFailure = &WorkerError{
		Code:       "network.failure",
		Message:    "Upstream fetch failed",
		StatusCode: http.StatusServiceUnavailable,
	}

	ErrHTTPFailure = &WorkerError{
		Code:       "network.http_failure",
		Message:    "Upstream returned a non-success status",
		StatusCode: http.StatusBadGateway,
	}

	ErrMessageTimeout = &WorkerError{
		Code:       "messaging.timeout",
		Message:    "No page replied within the message deadline",
		StatusCode: http.StatusGatewayTimeout,
	}

	ErrNoClients = &WorkerError{
		Code:       "messaging.unavailable",
		Message:    "No connected pages",
		StatusCode: http.StatusServiceUnavailable,
	}

	ErrMaintenanceFailure = &WorkerError{
		Code:       "maintenance.failure",
		Message:    "Cache maintenance pass failed",
		StatusCode: http.StatusInternalServerError,
	}
)

// HTTPFailure decorates ErrHTTPFailure with the observed status code.
func HTTPFailure(status int) *WorkerError {
	cpy := *ErrHTTPFailure
	cpy.StatusCode = status
	cpy.Message = fmt.Sprintf("Upstream returned status %d", status)
	return &cpy
}

// Is reports whether err carries the same worker error code as target.
func Is(err error, target *WorkerError) bool {
	var werr *WorkerError
	if !errors.As(err, &werr) {
		return false
	}
	return target != nil && werr.Code == target.Code
}
