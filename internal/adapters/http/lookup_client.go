package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gitlab.com/timkado/api/event-context-agent/internal/adapters/config"
	"gitlab.com/timkado/api/event-context-agent/internal/domain"
	"gitlab.com/timkado/api/event-context-agent/pkg/contextkeys"
)

const (
	// SkipAuthRedirectHeader tells the backend's auth interceptor not to redirect on 401.
	SkipAuthRedirectHeader = "X-Skip-Auth-Redirect"
	requestIDHeader        = "X-Request-ID"
	maxErrorBodyBytes      = 512
)

// UnauthorizedHook runs when a lookup without SkipAuthRedirect is rejected with 401.
type UnauthorizedHook func(ctx context.Context)

// RoleLookupClient implements domain.RoleLookupClient against the backend REST API.
type RoleLookupClient struct {
	httpClient     *http.Client
	config         config.Provider
	identity       domain.IdentityProvider
	logger         domain.Logger
	onUnauthorized UnauthorizedHook
}

// NewRoleLookupClient creates a client; onUnauthorized may be nil.
func NewRoleLookupClient(cfgProvider config.Provider, identity domain.IdentityProvider, logger domain.Logger, onUnauthorized UnauthorizedHook) *RoleLookupClient {
	timeout := time.Duration(cfgProvider.Get().Lookup.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RoleLookupClient{
		httpClient:     &http.Client{Timeout: timeout},
		config:         cfgProvider,
		identity:       identity,
		logger:         logger,
		onUnauthorized: onUnauthorized,
	}
}

// LookupRole calls GET {base_url}/events/{eventID}/my-role.
func (c *RoleLookupClient) LookupRole(ctx context.Context, eventID string, opts domain.LookupOptions) (domain.RoleLookupResult, error) {
	baseURL := strings.TrimRight(c.config.Get().Lookup.BaseURL, "/")
	if baseURL == "" {
		return domain.RoleLookupResult{}, fmt.Errorf("%w: lookup.base_url is not configured", domain.ErrLookupFailed)
	}
	endpoint := fmt.Sprintf("%s/events/%s/my-role", baseURL, url.PathEscape(eventID))

	// One read of the identity: the token sent always belongs to the user checked here.
	ident, signedIn := c.identity.CurrentIdentity(ctx)
	if opts.UserID != "" && (!signedIn || ident.UserID != opts.UserID) {
		c.logger.Info(ctx, "Refusing role lookup issued for another identity", "issued_for", opts.UserID)
		return domain.RoleLookupResult{}, fmt.Errorf("%w: lookup issued for %s", domain.ErrIdentityChanged, opts.UserID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.RoleLookupResult{}, fmt.Errorf("%w: building request: %v", domain.ErrLookupFailed, err)
	}
	req.Header.Set("Accept", "application/json")
	if signedIn && ident.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+ident.AccessToken)
	}
	if reqID, ok := ctx.Value(contextkeys.RequestIDKey).(string); ok && reqID != "" {
		req.Header.Set(requestIDHeader, reqID)
	}
	if opts.SkipAuthRedirect {
		req.Header.Set(SkipAuthRedirectHeader, "true")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn(ctx, "Role lookup request failed", "error", err.Error())
		return domain.RoleLookupResult{}, fmt.Errorf("%w: %v", domain.ErrLookupFailed, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.logger.Info(ctx, "Role lookup denied", "status", resp.StatusCode, "skip_auth_redirect", opts.SkipAuthRedirect)
		if resp.StatusCode == http.StatusUnauthorized && !opts.SkipAuthRedirect && c.onUnauthorized != nil {
			c.onUnauthorized(ctx)
		}
		return domain.RoleLookupResult{}, fmt.Errorf("%w: status %d", domain.ErrAccessDenied, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		c.logger.Warn(ctx, "Role lookup returned an error status", "status", resp.StatusCode, "body", string(body))
		return domain.RoleLookupResult{}, fmt.Errorf("%w: status %d", domain.ErrLookupFailed, resp.StatusCode)
	}

	var result domain.RoleLookupResult
	if resp.StatusCode == http.StatusNoContent {
		return result, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil && err != io.EOF {
		return domain.RoleLookupResult{}, fmt.Errorf("%w: decoding response: %v", domain.ErrLookupFailed, err)
	}
	return result, nil
}
