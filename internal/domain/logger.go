package domain

import (
	"context"
)

// Logger is the structured logging port used across the agent.
// Every method takes the request context first so adapters can lift
// request, user and event identifiers out of it.
// The variadic fields are alternating key/value pairs.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...any)
	Info(ctx context.Context, msg string, fields ...any)
	Warn(ctx context.Context, msg string, fields ...any)
	Error(ctx context.Context, msg string, fields ...any)
	Fatal(ctx context.Context, msg string, fields ...any) // exits the process after logging

	// With returns a child logger carrying the given key/value pairs.
	With(fields ...any) Logger
}
