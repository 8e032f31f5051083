package domain

import (
	"encoding/json"
	"errors"
	"net/http"
)

var (
	// ErrAccessDenied is returned by role lookups rejected with 401/403.
	ErrAccessDenied = errors.New("access denied")
	// ErrLookupFailed wraps any other unsuccessful role lookup.
	ErrLookupFailed = errors.New("role lookup failed")
	// ErrNoActiveUser is returned when an operation needs an authenticated identity.
	ErrNoActiveUser = errors.New("no active user")
	// ErrCorruptSnapshot marks a persisted snapshot that cannot be decoded.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
	// ErrIdentityChanged is returned when a fetch resolves after the identity it was issued for went away.
	ErrIdentityChanged = errors.New("identity changed while fetch was in flight")
	// ErrLookupSuperseded is returned when the entry was invalidated or cleared while its lookup was in flight.
	ErrLookupSuperseded = errors.New("role lookup superseded by an invalidation")
)

// ErrorCode represents a specific error condition reported over HTTP.
type ErrorCode string

const (
	ErrInvalidAPIKey ErrorCode = "InvalidAPIKey" // HTTP 401
	ErrBadRequest    ErrorCode = "BadRequest"    // HTTP 400
	ErrForbidden     ErrorCode = "Forbidden"     // HTTP 403, guard denial or upstream access denial
	ErrUnauthorized  ErrorCode = "Unauthorized"  // HTTP 401, no session in this context
	ErrUpstream      ErrorCode = "UpstreamError" // HTTP 502, role lookup failed
	ErrConflict      ErrorCode = "Conflict"      // HTTP 409, refresh overtaken by an invalidation
	ErrInternal      ErrorCode = "InternalServerError"
)

// ErrorResponse is the JSON error body returned by the agent API and the change feed.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

// NewErrorResponse creates a new ErrorResponse.
func NewErrorResponse(code ErrorCode, message string, details string) ErrorResponse {
	return ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// WriteJSON sends the ErrorResponse as JSON with the given HTTP status code.
func (er ErrorResponse) WriteJSON(w http.ResponseWriter, httpStatusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatusCode)
	json.NewEncoder(w).Encode(er) // best effort
}
