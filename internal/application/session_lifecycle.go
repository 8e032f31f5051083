package application

import (
	"context"
	"sync"
	"time"

	"gitlab.com/timkado/api/event-context-agent/internal/adapters/config"
	"gitlab.com/timkado/api/event-context-agent/internal/adapters/metrics"
	"gitlab.com/timkado/api/event-context-agent/internal/domain"
	"gitlab.com/timkado/api/event-context-agent/pkg/contextkeys"
	"gitlab.com/timkado/api/event-context-agent/pkg/safego"
)

// SessionLifecycle scopes the role cache to the authenticated identity.
// It moves between NoUser, Loading and Active, tearing down everything the
// previous user left behind before another user is served.
type SessionLifecycle struct {
	logger   domain.Logger
	config   config.Provider
	identity domain.IdentityProvider
	resolver *RoleResolver
	store    *DurableStore
	purger   domain.SelectionPurger

	mu     sync.Mutex
	state  domain.SessionState
	userID string
}

// NewSessionLifecycle creates a lifecycle in the NoUser state. purger may be nil.
func NewSessionLifecycle(
	logger domain.Logger,
	cfgProvider config.Provider,
	identity domain.IdentityProvider,
	resolver *RoleResolver,
	store *DurableStore,
	purger domain.SelectionPurger,
) *SessionLifecycle {
	if identity == nil {
		panic("identity provider is nil in NewSessionLifecycle")
	}
	return &SessionLifecycle{
		logger:   logger,
		config:   cfgProvider,
		identity: identity,
		resolver: resolver,
		store:    store,
		purger:   purger,
		state:    domain.SessionNoUser,
	}
}

// State returns the current state and, when Active, the user.
func (l *SessionLifecycle) State() (domain.SessionState, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, l.userID
}

// Sync is the lifecycle check. It compares the authenticated identity with
// the state and performs a login, a user switch or a defensive logout.
func (l *SessionLifecycle) Sync(ctx context.Context) error {
	ident, ok := l.identity.CurrentIdentity(ctx)
	if !ok {
		ident = domain.Identity{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case ident.UserID == "":
		if l.state == domain.SessionNoUser {
			return nil
		}
		l.logger.Warn(ctx, "Authenticated user disappeared without a logout signal, tearing down", "user_id", l.userID)
		l.teardownLocked(ctx, "implicit_logout")
		return nil
	case l.state == domain.SessionNoUser:
		return l.loginLocked(ctx, ident.UserID, "login")
	case l.userID != ident.UserID:
		l.logger.Info(ctx, "User switch detected", "previous_user_id", l.userID, "user_id", ident.UserID)
		l.teardownLocked(ctx, "switch_teardown")
		return l.loginLocked(ctx, ident.UserID, "switch")
	default:
		return nil
	}
}

// Logout handles the explicit logout signal. Calling it with nobody logged in is a no-op.
func (l *SessionLifecycle) Logout(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == domain.SessionNoUser {
		return
	}
	l.teardownLocked(ctx, "logout")
}

// HandleLogoutSignals runs Logout for every value received on signals until
// ctx is done or signals is closed.
func (l *SessionLifecycle) HandleLogoutSignals(ctx context.Context, signals <-chan struct{}) {
	safego.Execute(ctx, l.logger, "LogoutSignalHandler", func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-signals:
				if !ok {
					return
				}
				l.Logout(ctx)
			}
		}
	})
}

// StartIdentityWatchLoop runs Sync periodically so a missed login, switch or
// logout signal is still noticed.
func (l *SessionLifecycle) StartIdentityWatchLoop(ctx context.Context) {
	interval := time.Duration(l.config.Get().App.IdentityCheckIntervalSeconds) * time.Second
	if interval <= 0 {
		l.logger.Warn(ctx, "Identity check interval is not configured; watch loop will not start.")
		return
	}
	l.logger.Info(ctx, "Starting identity watch loop", "interval", interval.String())

	safego.Execute(ctx, l.logger, "IdentityWatchLoop", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				l.logger.Info(ctx, "Identity watch loop stopping")
				return
			case <-ticker.C:
				if err := l.Sync(ctx); err != nil {
					l.logger.Error(ctx, "Lifecycle check failed", "error", err.Error())
				}
			}
		}
	})
}

func (l *SessionLifecycle) loginLocked(ctx context.Context, userID, transition string) error {
	l.state = domain.SessionLoading
	l.userID = userID
	ctx = context.WithValue(ctx, contextkeys.UserIDKey, userID)

	if err := l.resolver.Activate(ctx, userID); err != nil {
		l.logger.Error(ctx, "Failed to activate role cache", "error", err.Error())
		l.state = domain.SessionNoUser
		l.userID = ""
		return err
	}
	l.state = domain.SessionActive
	metrics.IncrementSessionTransition(transition)
	l.logger.Info(ctx, "Session active", "transition", transition)
	return nil
}

// teardownLocked discards the in-memory mirror first so no reader can observe
// the previous user's roles, then removes that user's durable state.
func (l *SessionLifecycle) teardownLocked(ctx context.Context, transition string) {
	userID := l.userID
	l.resolver.Reset()
	l.state = domain.SessionNoUser
	l.userID = ""

	if userID != "" {
		ctx = context.WithValue(ctx, contextkeys.UserIDKey, userID)
		names := append([]string{domain.RoleCacheName, domain.MemberCacheName}, l.config.Get().Cache.PurgeOnSwitch...)
		for _, name := range names {
			l.store.Clear(ctx, domain.Namespace{Name: name, UserID: userID})
		}
		if l.purger != nil {
			if n, err := l.purger.PurgeSelections(ctx, userID); err != nil {
				l.logger.Error(ctx, "Failed to purge selection state", "error", err.Error())
			} else if n > 0 {
				l.logger.Debug(ctx, "Purged selection state", "count", n)
			}
		}
	}

	metrics.IncrementSessionTransition(transition)
	l.logger.Info(ctx, "Session torn down", "transition", transition)
}
