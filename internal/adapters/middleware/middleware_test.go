package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/event-context-agent/internal/adapters/config"
	"gitlab.com/timkado/api/event-context-agent/internal/adapters/logger"
	"gitlab.com/timkado/api/event-context-agent/pkg/contextkeys"
)

type staticRoles map[string]string

func (s staticRoles) FetchRole(_ context.Context, eventID string) string {
	return s[eventID]
}

func guardedMux(roles RoleFetcher) *http.ServeMux {
	cfg := config.NewStaticProvider(&config.Config{Guard: config.GuardConfig{PrivilegedRoles: []string{"HoOC", "HoD"}}})
	guard := RequireEventRole(roles, cfg, logger.NewFromZap(zap.NewNop()))
	mux := http.NewServeMux()
	mux.Handle("GET /v1/events/{eventID}/access", guard(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Context().Value(contextkeys.EventIDKey) != r.PathValue("eventID") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})))
	return mux
}

func TestRequireEventRole(t *testing.T) {
	mux := guardedMux(staticRoles{"E1": "HoD", "E2": "Member", "E3": ""})

	tests := []struct {
		eventID string
		want    int
	}{
		{eventID: "E1", want: http.StatusOK},
		{eventID: "E2", want: http.StatusForbidden},
		{eventID: "E3", want: http.StatusForbidden},
		{eventID: "E404", want: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.eventID, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events/"+tt.eventID+"/access", nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAPIKeyAuthMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	log := logger.NewFromZap(zap.NewNop())

	open := APIKeyAuthMiddleware(config.NewStaticProvider(&config.Config{}), log)(ok)
	rec := httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/roles", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	locked := APIKeyAuthMiddleware(config.NewStaticProvider(&config.Config{Auth: config.AuthConfig{APIKey: "k1"}}), log)(ok)
	cases := map[string]int{
		"/v1/roles":              http.StatusUnauthorized,
		"/v1/roles?x-api-key=no": http.StatusUnauthorized,
		"/v1/roles?x-api-key=k1": http.StatusOK,
	}
	for target, want := range cases {
		rec := httptest.NewRecorder()
		locked.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, want, rec.Code, target)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/roles", nil)
	req.Header.Set("X-API-Key", "k1")
	locked.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(contextkeys.RequestIDKey).(string)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(XRequestIDHeader))

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(XRequestIDHeader, "given")
	h.ServeHTTP(rec, req)
	assert.Equal(t, "given", seen)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(XRequestIDHeader, strings.Repeat("x", maxRequestIDLength+1))
	h.ServeHTTP(rec, req)
	assert.Len(t, seen, 36)
}

func TestContextIDMiddleware(t *testing.T) {
	var seen string
	h := ContextIDMiddleware("tab-7")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(contextkeys.ContextIDKey).(string)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "tab-7", seen)
	assert.Equal(t, "tab-7", rec.Header().Get(XContextIDHeader))
}
