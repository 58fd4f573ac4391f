package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/dorfbus/internal/bus"
	"github.com/nerrad567/dorfbus/internal/executor"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeInternal       = "internal_error"
	ErrCodeValidation     = "validation_error"
	ErrCodeUnavailable    = "unavailable"
	ErrCodeAddressInvalid = "address_invalid"
	ErrCodeTimeout        = "timeout"
	ErrCodeBusError       = "bus_error"
	ErrCodePartialFailure = "partial_failure"
)

// TagFailure is the error body of a tag switch where some coils failed.
type TagFailure struct {
	Error
	Failed []string       `json:"failed"`
	Coils  []CoilResponse `json:"coils"`
}

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// errorStatus maps an executor or bus error onto an HTTP status and code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, executor.ErrNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, executor.ErrAddressInvalid):
		return http.StatusBadRequest, ErrCodeAddressInvalid
	case bus.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrCodeTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, ErrCodeUnavailable
	case errors.Is(err, bus.ErrClosed):
		return http.StatusServiceUnavailable, ErrCodeUnavailable
	default:
		return http.StatusBadGateway, ErrCodeBusError
	}
}

// writeExecutorError writes the response for an error returned by the executor.
func writeExecutorError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	writeError(w, status, code, err.Error())
}
