package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"gitlab.com/timkado/api/event-context-agent/internal/application"
	"gitlab.com/timkado/api/event-context-agent/internal/domain"
)

// RoleResponse is returned by the role endpoints.
type RoleResponse struct {
	EventID string `json:"event_id"`
	Role    string `json:"role"`
	State   string `json:"state"`
}

// MemberResponse is returned by the member endpoint.
type MemberResponse struct {
	EventID string            `json:"event_id"`
	Member  domain.MemberInfo `json:"member"`
}

// AccessResponse is returned by the guarded access endpoint.
type AccessResponse struct {
	EventID string `json:"event_id"`
	Role    string `json:"role"`
	Allowed bool   `json:"allowed"`
}

// SessionRequest is the payload of PUT /v1/session.
type SessionRequest struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
}

// SessionResponse reports the lifecycle state.
type SessionResponse struct {
	State  string `json:"state"`
	UserID string `json:"user_id,omitempty"`
}

// Handlers serves the agent API on top of the role cache.
type Handlers struct {
	resolver  *application.RoleResolver
	lifecycle *application.SessionLifecycle
	identity  *application.SessionIdentity
	logger    domain.Logger
}

// NewHandlers creates the agent API handlers.
func NewHandlers(
	resolver *application.RoleResolver,
	lifecycle *application.SessionLifecycle,
	identity *application.SessionIdentity,
	logger domain.Logger,
) *Handlers {
	return &Handlers{
		resolver:  resolver,
		lifecycle: lifecycle,
		identity:  identity,
		logger:    logger,
	}
}

// Register mounts the /v1 routes on mux, wrapping each with wrap and the
// guarded access route additionally with guard.
func (h *Handlers) Register(mux *http.ServeMux, wrap, guard func(http.Handler) http.Handler) {
	mux.Handle("GET /v1/events/{eventID}/role", wrap(http.HandlerFunc(h.GetRole)))
	mux.Handle("GET /v1/events/{eventID}/member", wrap(http.HandlerFunc(h.GetMember)))
	mux.Handle("POST /v1/events/{eventID}/role/refresh", wrap(http.HandlerFunc(h.RefreshRole)))
	mux.Handle("DELETE /v1/events/{eventID}/role", wrap(http.HandlerFunc(h.InvalidateRole)))
	mux.Handle("DELETE /v1/roles", wrap(http.HandlerFunc(h.ClearRoles)))
	mux.Handle("GET /v1/events/{eventID}/access", wrap(guard(http.HandlerFunc(h.Access))))
	mux.Handle("GET /v1/session", wrap(http.HandlerFunc(h.GetSession)))
	mux.Handle("PUT /v1/session", wrap(http.HandlerFunc(h.PutSession)))
	mux.Handle("DELETE /v1/session", wrap(http.HandlerFunc(h.DeleteSession)))
}

// GetRole resolves the role, or with ?cached=true only reads the mirror.
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("eventID")
	if !h.requireSession(w, r) {
		return
	}
	var role string
	if r.URL.Query().Get("cached") == "true" {
		role = h.resolver.GetRoleSync(eventID)
	} else {
		role = h.resolver.FetchRole(r.Context(), eventID)
	}
	writeJSON(w, r, h.logger, http.StatusOK, RoleResponse{
		EventID: eventID,
		Role:    role,
		State:   h.resolver.FetchState(eventID).String(),
	})
}

// GetMember returns the cached membership record.
func (h *Handlers) GetMember(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("eventID")
	if !h.requireSession(w, r) {
		return
	}
	writeJSON(w, r, h.logger, http.StatusOK, MemberResponse{EventID: eventID, Member: h.resolver.GetMemberSync(eventID)})
}

// RefreshRole forces a lookup and reports lookup failures to the caller.
func (h *Handlers) RefreshRole(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("eventID")
	role, err := h.resolver.ForceRefresh(r.Context(), eventID)
	switch {
	case err == nil:
		writeJSON(w, r, h.logger, http.StatusOK, RoleResponse{EventID: eventID, Role: role, State: h.resolver.FetchState(eventID).String()})
	case errors.Is(err, domain.ErrNoActiveUser), application.IsIdentityChanged(err):
		domain.NewErrorResponse(domain.ErrUnauthorized, "No active session", err.Error()).WriteJSON(w, http.StatusUnauthorized)
	case errors.Is(err, domain.ErrAccessDenied):
		domain.NewErrorResponse(domain.ErrForbidden, "Access to event denied", err.Error()).WriteJSON(w, http.StatusForbidden)
	case errors.Is(err, domain.ErrLookupSuperseded):
		domain.NewErrorResponse(domain.ErrConflict, "Role was invalidated during refresh", err.Error()).WriteJSON(w, http.StatusConflict)
	default:
		h.logger.Warn(r.Context(), "Forced role refresh failed", "event_id", eventID, "error", err.Error())
		domain.NewErrorResponse(domain.ErrUpstream, "Role lookup failed", err.Error()).WriteJSON(w, http.StatusBadGateway)
	}
}

// InvalidateRole drops one cached entry.
func (h *Handlers) InvalidateRole(w http.ResponseWriter, r *http.Request) {
	if !h.requireSession(w, r) {
		return
	}
	h.resolver.Invalidate(r.Context(), r.PathValue("eventID"))
	w.WriteHeader(http.StatusNoContent)
}

// ClearRoles drops every cached entry of the current user.
func (h *Handlers) ClearRoles(w http.ResponseWriter, r *http.Request) {
	if !h.requireSession(w, r) {
		return
	}
	h.resolver.ClearAll(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// Access is reached only when the navigation guard allowed the request.
func (h *Handlers) Access(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("eventID")
	writeJSON(w, r, h.logger, http.StatusOK, AccessResponse{EventID: eventID, Role: h.resolver.GetRoleSync(eventID), Allowed: true})
}

// GetSession reports the lifecycle state.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	state, userID := h.lifecycle.State()
	writeJSON(w, r, h.logger, http.StatusOK, SessionResponse{State: state.String(), UserID: userID})
}

// PutSession authenticates this context as the given user and runs the lifecycle check.
func (h *Handlers) PutSession(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn(r.Context(), "Failed to decode session payload", "error", err.Error())
		domain.NewErrorResponse(domain.ErrBadRequest, "Invalid request payload", err.Error()).WriteJSON(w, http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		domain.NewErrorResponse(domain.ErrBadRequest, "Invalid payload", "user_id is required.").WriteJSON(w, http.StatusBadRequest)
		return
	}

	h.identity.SignIn(domain.Identity{UserID: req.UserID, AccessToken: req.AccessToken})
	if err := h.lifecycle.Sync(r.Context()); err != nil {
		h.logger.Error(r.Context(), "Lifecycle check failed after sign-in", "error", err.Error())
		domain.NewErrorResponse(domain.ErrInternal, "Failed to activate session", err.Error()).WriteJSON(w, http.StatusInternalServerError)
		return
	}
	h.GetSession(w, r)
}

// DeleteSession signs out and tears the cache down.
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	h.identity.SignOut()
	h.lifecycle.Logout(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) requireSession(w http.ResponseWriter, r *http.Request) bool {
	if h.resolver.CurrentUser() != "" {
		return true
	}
	domain.NewErrorResponse(domain.ErrUnauthorized, "No active session", "Sign in with PUT /v1/session first.").WriteJSON(w, http.StatusUnauthorized)
	return false
}

func writeJSON(w http.ResponseWriter, r *http.Request, logger domain.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error(r.Context(), "Failed to encode response", "path", r.URL.Path, "error", err.Error())
	}
}
