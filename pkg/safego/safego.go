package safego

import (
	"context"
	"fmt"
	"runtime/debug"

	"gitlab.com/timkado/api/event-context-agent/internal/domain"
)

// Execute runs fn in a new goroutine, recovering and logging any panic
// together with its stack trace under the given goroutine name.
func Execute(ctx context.Context, logger domain.Logger, goroutineName string, fn func()) {
	go func() {
		defer Recover(ctx, logger, goroutineName)
		fn()
	}()
}

// Call runs fn on the current goroutine and converts a panic into an error.
// Used around callbacks that must not take down a subscription loop.
func Call(ctx context.Context, logger domain.Logger, name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(ctx, logger, name, r)
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	return fn()
}

// Recover is meant to be deferred at the top of a goroutine.
func Recover(ctx context.Context, logger domain.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(ctx, logger, name, r)
	}
}

func logPanic(ctx context.Context, logger domain.Logger, name string, r any) {
	// The caller context may already be cancelled when the panic surfaces.
	logCtx := ctx
	if ctx.Err() != nil {
		logCtx = context.Background()
	}
	logger.Error(logCtx, fmt.Sprintf("Panic recovered in goroutine: %s", name),
		"panic_info", fmt.Sprintf("%v", r),
		"stacktrace", string(debug.Stack()),
	)
}
