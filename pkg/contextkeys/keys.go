package contextkeys

// contextKey is an unexported type for context keys to avoid collisions.
type contextKey string

const (
	// RequestIDKey carries the request id set by the request-id middleware.
	RequestIDKey contextKey = "request_id"

	// EventIDKey carries the event id a request or fetch is about.
	EventIDKey contextKey = "event_id"

	// UserIDKey carries the user id active in this execution context.
	UserIDKey contextKey = "user_id"

	// ContextIDKey carries the id of this agent instance (one execution context).
	ContextIDKey contextKey = "context_id"
)

// String makes contextKey satisfy fmt.Stringer.
func (c contextKey) String() string {
	return string(c)
}
