package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"gitlab.com/timkado/api/event-context-agent/pkg/contextkeys"
)

const (
	XRequestIDHeader = "X-Request-ID"
	XContextIDHeader = "X-Context-ID"

	maxRequestIDLength = 128
)

// RequestIDMiddleware puts the caller's X-Request-ID (or a fresh UUID when it
// is missing or oversized) into the request context and the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(XRequestIDHeader)
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = uuid.NewString()
		}
		w.Header().Set(XRequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextkeys.RequestIDKey, requestID)))
	})
}

// ContextIDMiddleware tags every request and response with the id of this
// execution context.
func ContextIDMiddleware(contextID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(XContextIDHeader, contextID)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextkeys.ContextIDKey, contextID)))
		})
	}
}
