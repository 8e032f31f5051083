package application

import (
	"context"
	"sync"

	"gitlab.com/timkado/api/event-context-agent/internal/domain"
)

// SessionIdentity holds the identity authenticated in this execution context
// and owns the process-wide logout signal.
type SessionIdentity struct {
	mu       sync.RWMutex
	identity domain.Identity
	present  bool

	logoutCh chan struct{}
}

// NewSessionIdentity creates an empty identity holder.
func NewSessionIdentity() *SessionIdentity {
	return &SessionIdentity{logoutCh: make(chan struct{}, 1)}
}

// CurrentIdentity implements domain.IdentityProvider.
func (s *SessionIdentity) CurrentIdentity(_ context.Context) (domain.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity, s.present
}

// SignIn replaces the current identity.
func (s *SessionIdentity) SignIn(identity domain.Identity) {
	s.mu.Lock()
	s.identity = identity
	s.present = identity.UserID != ""
	s.mu.Unlock()
}

// SignOut clears the identity and raises the logout signal.
func (s *SessionIdentity) SignOut() {
	s.mu.Lock()
	s.identity = domain.Identity{}
	s.present = false
	s.mu.Unlock()

	// One pending signal is enough; teardown is idempotent.
	select {
	case s.logoutCh <- struct{}{}:
	default:
	}
}

// LogoutSignals delivers one value per observed logout.
func (s *SessionIdentity) LogoutSignals() <-chan struct{} {
	return s.logoutCh
}
