package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/event-context-agent/internal/adapters/config"
	"gitlab.com/timkado/api/event-context-agent/internal/adapters/logger"
	"gitlab.com/timkado/api/event-context-agent/internal/domain"
)

// memoryMedium is an in-memory domain.SnapshotMedium shared between test contexts.
type memoryMedium struct {
	mu      sync.Mutex
	data    map[string][]byte
	deletes []string
	failSet bool
}

func newMemoryMedium() *memoryMedium {
	return &memoryMedium{data: make(map[string][]byte)}
}

func (m *memoryMedium) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memoryMedium) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet {
		return errors.New("quota exceeded")
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memoryMedium) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	m.deletes = append(m.deletes, key)
	return nil
}

func (m *memoryMedium) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

func (m *memoryMedium) put(key string, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = []byte(value)
}

func (m *memoryMedium) deleted(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.deletes {
		if k == key {
			return true
		}
	}
	return false
}

// syncBus delivers published messages synchronously to every subscriber.
type syncBus struct {
	mu        sync.Mutex
	handlers  []domain.SyncMessageHandler
	published []domain.SyncMessage
	muted     bool
}

func (b *syncBus) PublishSync(ctx context.Context, _ string, msg domain.SyncMessage) error {
	b.mu.Lock()
	b.published = append(b.published, msg)
	handlers := append([]domain.SyncMessageHandler(nil), b.handlers...)
	muted := b.muted
	b.mu.Unlock()
	if muted {
		return nil
	}
	for _, h := range handlers {
		_ = h(ctx, msg)
	}
	return nil
}

func (b *syncBus) SubscribeSync(_ context.Context, handler domain.SyncMessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
	return nil
}

func (b *syncBus) Close() error { return nil }

func (b *syncBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

// stubLookup is a scripted domain.RoleLookupClient.
type stubLookup struct {
	mu      sync.Mutex
	results map[string]domain.RoleLookupResult
	errs    map[string]error
	calls   map[string]int
	opts    []domain.LookupOptions
	gate    chan struct{} // when set, lookups block until it is closed
	entered chan string
}

func newStubLookup() *stubLookup {
	return &stubLookup{
		results: make(map[string]domain.RoleLookupResult),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (s *stubLookup) LookupRole(_ context.Context, eventID string, opts domain.LookupOptions) (domain.RoleLookupResult, error) {
	s.mu.Lock()
	s.calls[eventID]++
	s.opts = append(s.opts, opts)
	gate, entered := s.gate, s.entered
	s.mu.Unlock()

	if entered != nil {
		entered <- eventID
	}
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errs[eventID]; err != nil {
		return domain.RoleLookupResult{}, err
	}
	return s.results[eventID], nil
}

func (s *stubLookup) set(eventID string, result domain.RoleLookupResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[eventID] = result
	delete(s.errs, eventID)
}

func (s *stubLookup) fail(eventID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[eventID] = err
}

func (s *stubLookup) callCount(eventID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[eventID]
}

// blockNext makes subsequent lookups wait for the returned release func.
func (s *stubLookup) blockNext() (entered <-chan string, release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate := make(chan struct{})
	ch := make(chan string, 16)
	s.gate, s.entered = gate, ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			s.gate, s.entered = nil, nil
			s.mu.Unlock()
			close(gate)
		})
	}
}

type stubPurger struct {
	mu    sync.Mutex
	users []string
}

func (p *stubPurger) PurgeSelections(_ context.Context, userID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = append(p.users, userID)
	return 1, nil
}

func testConfig() config.Provider {
	return config.NewStaticProvider(&config.Config{
		App: config.AppConfig{IdentityCheckIntervalSeconds: 30},
		Cache: config.CacheConfig{
			TTLSeconds:    int(domain.DefaultCacheTTL / time.Second),
			PurgeOnSwitch: []string{"selectedEvent"},
		},
	})
}

// testContext is one execution context wired like the agent wires it.
type testContext struct {
	store     *DurableStore
	resolver  *RoleResolver
	crossSync *CrossContextSync
	lifecycle *SessionLifecycle
	identity  *SessionIdentity
	lookup    *stubLookup
	purger    *stubPurger
	clock     clock.Clock
}

func newTestContext(t *testing.T, id string, medium *memoryMedium, bus *syncBus, clk clock.Clock) *testContext {
	t.Helper()
	log := logger.NewFromZap(zap.NewNop())
	cfg := testConfig()
	lookup := newStubLookup()
	purger := &stubPurger{}
	identity := NewSessionIdentity()

	store := NewDurableStore(medium, bus, log, clk, cfg, ContextID(id))
	resolver := NewRoleResolver(log, store, lookup, clk, cfg)
	crossSync := NewCrossContextSync(log, resolver, bus, clk, cfg, ContextID(id))
	if err := crossSync.Start(context.Background()); err != nil {
		t.Fatalf("start sync: %v", err)
	}
	lifecycle := NewSessionLifecycle(log, cfg, identity, resolver, store, purger)

	return &testContext{
		store:     store,
		resolver:  resolver,
		crossSync: crossSync,
		lifecycle: lifecycle,
		identity:  identity,
		lookup:    lookup,
		purger:    purger,
		clock:     clk,
	}
}

func (tc *testContext) clockAdd(d time.Duration) {
	tc.clock.(*clock.Mock).Add(d)
}

func (tc *testContext) login(t *testing.T, userID string) {
	t.Helper()
	tc.identity.SignIn(domain.Identity{UserID: userID, AccessToken: "tok-" + userID})
	if err := tc.lifecycle.Sync(context.Background()); err != nil {
		t.Fatalf("login %s: %v", userID, err)
	}
}

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestClock() *clock.Mock {
	clk := clock.NewMock()
	clk.Set(testEpoch)
	return clk
}
