package middleware

import (
	"context"
	"net/http"
	"slices"

	"gitlab.com/timkado/api/event-context-agent/internal/adapters/config"
	"gitlab.com/timkado/api/event-context-agent/internal/domain"
	"gitlab.com/timkado/api/event-context-agent/pkg/contextkeys"
)

// RoleFetcher resolves the current user's role in an event, blocking if needed.
type RoleFetcher interface {
	FetchRole(ctx context.Context, eventID string) string
}

// RequireEventRole is the navigation guard. It resolves the caller's role in
// the {eventID} path segment and only lets the request through when the role
// is one of guard.privileged_roles. An empty role always denies.
func RequireEventRole(roles RoleFetcher, cfgProvider config.Provider, logger domain.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			eventID := r.PathValue("eventID")
			ctx := context.WithValue(r.Context(), contextkeys.EventIDKey, eventID)

			role := roles.FetchRole(ctx, eventID)
			if role == "" || !slices.Contains(cfgProvider.Get().Guard.PrivilegedRoles, role) {
				logger.Info(ctx, "Navigation guard denied request", "role", role, "path", r.URL.Path)
				domain.NewErrorResponse(domain.ErrForbidden, "Insufficient role for this event", "").WriteJSON(w, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
