package application

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"gitlab.com/timkado/api/event-context-agent/internal/adapters/config"
	"gitlab.com/timkado/api/event-context-agent/internal/adapters/metrics"
	"gitlab.com/timkado/api/event-context-agent/internal/domain"
	"gitlab.com/timkado/api/event-context-agent/pkg/contextkeys"
)

// RoleListener observes changes of the in-memory mirror.
type RoleListener func(change domain.RoleChange)

// RoleResolver answers "what role does the current user have in event X".
// It keeps the role and member mirrors of one user in lock-step, coalesces
// concurrent lookups per event and writes resolved entries through the
// DurableStore.
//
// The generation counter is the identity tag: it is bumped on every Reset and
// a lookup only commits when the generation it was issued under still holds.
// Within one generation, epoch orders lookups against Invalidate, ClearAll and
// ForceRefresh: a lookup issued before the entry was dropped does not commit.
type RoleResolver struct {
	logger domain.Logger
	store  *DurableStore
	lookup domain.RoleLookupClient
	clock  clock.Clock
	config config.Provider

	mu         sync.RWMutex
	userID     string
	generation uint64
	roles      domain.RoleEntries
	members    domain.MemberEntries
	writtenAt  int64 // epoch millis of the snapshot the mirror reflects, 0 when never persisted
	states     map[string]domain.FetchState

	epoch         uint64
	invalidatedAt map[string]uint64 // epoch at which each key was last dropped
	clearedAt     uint64            // epoch of the last ClearAll

	// persistMu orders write-through against Reset so that no save for a
	// previous identity can land after the identity was torn down.
	persistMu sync.Mutex

	group singleflight.Group

	listenersMu    sync.Mutex
	listeners      map[int]RoleListener
	nextListenerID int
}

// NewRoleResolver creates a resolver with no active user.
func NewRoleResolver(
	logger domain.Logger,
	store *DurableStore,
	lookup domain.RoleLookupClient,
	clk clock.Clock,
	cfgProvider config.Provider,
) *RoleResolver {
	if logger == nil {
		panic("logger is nil in NewRoleResolver")
	}
	if store == nil {
		panic("durable store is nil in NewRoleResolver")
	}
	if lookup == nil {
		panic("lookup client is nil in NewRoleResolver")
	}
	return &RoleResolver{
		logger:    logger,
		store:     store,
		lookup:    lookup,
		clock:     clk,
		config:    cfgProvider,
		roles:     domain.RoleEntries{},
		members:   domain.MemberEntries{},
		states:    make(map[string]domain.FetchState),
		listeners: make(map[int]RoleListener),

		invalidatedAt: make(map[string]uint64),
	}
}

// CurrentUser returns the user the mirror belongs to, "" when inert.
func (r *RoleResolver) CurrentUser() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.userID
}

// FetchRole returns the role of the current user in eventID, resolving it
// over the network on a cache miss. Failures are negatively cached and
// collapse to "". Concurrent callers for the same event share one lookup.
func (r *RoleResolver) FetchRole(ctx context.Context, eventID string) string {
	if eventID == "" {
		metrics.IncrementRoleLookup("empty_id")
		return ""
	}

	r.expireIfStale(ctx)

	// A flight overtaken by an invalidation is retried once so the caller
	// joins the lookup that replaced it.
	for attempt := 0; ; attempt++ {
		r.mu.RLock()
		userID, gen := r.userID, r.generation
		role, cached := r.roles[eventID]
		r.mu.RUnlock()

		if userID == "" {
			metrics.IncrementRoleLookup("inert")
			return ""
		}
		if cached {
			metrics.IncrementRoleLookup("hit")
			return role
		}
		metrics.IncrementRoleLookup("miss")

		v, err, shared := r.group.Do(flightKey(gen, eventID), func() (any, error) {
			// A flight that finished just before this one started has already
			// committed, so look again before going to the network.
			r.mu.RLock()
			role, cached := r.roles[eventID]
			current := r.generation == gen
			r.mu.RUnlock()
			if !current {
				return "", nil
			}
			if cached {
				return role, nil
			}
			role, err := r.resolve(ctx, gen, userID, eventID, domain.LookupOptions{}, "normal")
			if errors.Is(err, domain.ErrLookupSuperseded) {
				return "", err
			}
			return role, nil
		})
		if shared {
			metrics.IncrementSingleflightShared()
		}
		if errors.Is(err, domain.ErrLookupSuperseded) && attempt == 0 {
			continue
		}
		role, _ = v.(string)
		return role
	}
}

func flightKey(gen uint64, eventID string) string {
	return fmt.Sprintf("%d/%s", gen, eventID)
}

// ForceRefresh drops any cached entry for eventID and looks it up again even
// if a lookup for it is already outstanding; that older lookup no longer
// commits. The lookup error is returned so callers can tell "no access" from a
// failed lookup; the mirror is negatively cached either way.
func (r *RoleResolver) ForceRefresh(ctx context.Context, eventID string) (string, error) {
	if eventID == "" {
		return "", nil
	}

	r.mu.Lock()
	userID, gen := r.userID, r.generation
	if userID == "" {
		r.mu.Unlock()
		return "", domain.ErrNoActiveUser
	}
	r.dropLocked(eventID)
	r.mu.Unlock()

	r.persist(ctx, gen)

	// The forced lookup replaces any flight for the key so that FetchRole
	// callers arriving meanwhile join it instead of issuing their own.
	key := flightKey(gen, eventID)
	r.group.Forget(key)
	v, err, _ := r.group.Do(key, func() (any, error) {
		role, err := r.resolve(ctx, gen, userID, eventID, domain.LookupOptions{SkipAuthRedirect: true}, "force")
		return role, err
	})
	role, _ := v.(string)
	return role, err
}

// dropLocked removes eventID from the mirror and marks lookups issued before
// now as superseded. r.mu must be held.
func (r *RoleResolver) dropLocked(eventID string) {
	r.epoch++
	r.invalidatedAt[eventID] = r.epoch
	delete(r.roles, eventID)
	delete(r.members, eventID)
	delete(r.states, eventID)
}

// resolve performs one lookup and commits the outcome if the identity it was
// issued under is still active.
func (r *RoleResolver) resolve(ctx context.Context, gen uint64, userID, eventID string, opts domain.LookupOptions, mode string) (string, error) {
	// The lookup outlives any single caller: its result is shared.
	ctx = context.WithoutCancel(ctx)
	ctx = context.WithValue(ctx, contextkeys.UserIDKey, userID)
	ctx = context.WithValue(ctx, contextkeys.EventIDKey, eventID)
	opts.UserID = userID

	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		return "", domain.ErrIdentityChanged
	}
	issued := r.epoch
	r.states[eventID] = domain.FetchInFlight
	r.mu.Unlock()

	result, lookupErr := r.lookup.LookupRole(ctx, eventID, opts)

	if errors.Is(lookupErr, domain.ErrIdentityChanged) {
		// The signed-in user is no longer the one this lookup is for; the
		// lifecycle check will switch identities. Nothing is cached.
		r.mu.Lock()
		if r.generation == gen && r.states[eventID] == domain.FetchInFlight {
			delete(r.states, eventID)
		}
		r.mu.Unlock()
		metrics.IncrementRoleFetch(mode, "discarded")
		r.logger.Info(ctx, "Discarding role lookup refused for a different identity")
		return "", lookupErr
	}

	member := domain.MemberInfo{}
	if lookupErr == nil {
		member = domain.MemberInfo{
			Role:           result.Role,
			DepartmentID:   result.DepartmentID,
			MemberRecordID: result.MemberRecordID,
		}
	}

	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		metrics.IncrementRoleFetch(mode, "discarded")
		r.logger.Info(ctx, "Discarding role lookup issued for a previous identity")
		return "", domain.ErrIdentityChanged
	}
	if r.clearedAt > issued || r.invalidatedAt[eventID] > issued {
		r.mu.Unlock()
		metrics.IncrementRoleFetch(mode, "superseded")
		r.logger.Debug(ctx, "Discarding role lookup overtaken by an invalidation")
		return "", domain.ErrLookupSuperseded
	}
	r.roles[eventID] = member.Role
	r.members[eventID] = member
	r.states[eventID] = domain.FetchResolved
	r.mu.Unlock()

	if lookupErr != nil {
		metrics.IncrementRoleFetch(mode, "failure")
		r.logger.Warn(ctx, "Role lookup failed, caching empty role", "mode", mode, "error", lookupErr.Error())
	} else {
		metrics.IncrementRoleFetch(mode, "success")
		r.logger.Debug(ctx, "Role resolved", "mode", mode, "role", member.Role)
	}

	r.persist(ctx, gen)
	r.notify(domain.ChangeReasonResolved)

	if lookupErr != nil {
		return "", fmt.Errorf("role lookup for event %s: %w", eventID, lookupErr)
	}
	return member.Role, nil
}

// GetRoleSync reads the mirror without blocking or touching the network.
func (r *RoleResolver) GetRoleSync(eventID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.userID == "" || r.staleLocked() {
		return ""
	}
	return r.roles[eventID]
}

// GetMemberSync is GetRoleSync for the structured membership record.
func (r *RoleResolver) GetMemberSync(eventID string) domain.MemberInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.userID == "" || r.staleLocked() {
		return domain.MemberInfo{}
	}
	return r.members[eventID]
}

// FetchState reports where eventID is in its resolution.
func (r *RoleResolver) FetchState(eventID string) domain.FetchState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.states[eventID]
}

// Invalidate forgets eventID so the next FetchRole is a cold miss.
func (r *RoleResolver) Invalidate(ctx context.Context, eventID string) {
	r.mu.Lock()
	gen := r.generation
	if r.userID == "" {
		r.mu.Unlock()
		return
	}
	_, had := r.roles[eventID]
	r.dropLocked(eventID)
	r.mu.Unlock()

	if !had {
		return
	}
	r.persist(ctx, gen)
	r.notify(domain.ChangeReasonInvalidated)
}

// ClearAll drops every entry of the current user, in memory and durably.
// Other users' namespaces are untouched.
func (r *RoleResolver) ClearAll(ctx context.Context) {
	r.persistMu.Lock()
	r.mu.Lock()
	userID := r.userID
	if userID == "" {
		r.mu.Unlock()
		r.persistMu.Unlock()
		return
	}
	r.roles = domain.RoleEntries{}
	r.members = domain.MemberEntries{}
	r.states = make(map[string]domain.FetchState)
	r.writtenAt = 0
	r.epoch++
	r.clearedAt = r.epoch
	r.invalidatedAt = make(map[string]uint64)
	r.mu.Unlock()

	r.store.Clear(ctx, domain.Namespace{Name: domain.RoleCacheName, UserID: userID})
	r.store.Clear(ctx, domain.Namespace{Name: domain.MemberCacheName, UserID: userID})
	r.persistMu.Unlock()

	r.notify(domain.ChangeReasonCleared)
}

// Reset makes the resolver inert and discards the mirror. Lookups still in
// flight for the previous identity are discarded when they return. Once Reset
// returns, no write-through for the previous identity is pending.
func (r *RoleResolver) Reset() {
	r.persistMu.Lock()
	r.mu.Lock()
	r.generation++
	r.userID = ""
	r.roles = domain.RoleEntries{}
	r.members = domain.MemberEntries{}
	r.states = make(map[string]domain.FetchState)
	r.writtenAt = 0
	r.invalidatedAt = make(map[string]uint64)
	r.mu.Unlock()
	r.persistMu.Unlock()

	r.notify(domain.ChangeReasonCleared)
}

// Activate loads userID's persisted snapshots into the mirror and makes the
// resolver serve that user. It returns ErrIdentityChanged if a Reset raced it.
func (r *RoleResolver) Activate(ctx context.Context, userID string) error {
	if userID == "" {
		return domain.ErrNoActiveUser
	}
	r.mu.RLock()
	gen := r.generation
	r.mu.RUnlock()

	roles, members, writtenAt := r.loadMirror(ctx, userID)

	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		return domain.ErrIdentityChanged
	}
	r.userID = userID
	r.roles = roles
	r.members = members
	r.writtenAt = writtenAt
	r.states = resolvedStates(roles)
	r.mu.Unlock()

	r.logger.Info(ctx, "Role cache activated", "user_id", userID, "entries", len(roles))
	r.notify(domain.ChangeReasonLoaded)
	return nil
}

// Subscribe registers listener for mirror changes and returns its cancel func.
func (r *RoleResolver) Subscribe(listener RoleListener) func() {
	r.listenersMu.Lock()
	id := r.nextListenerID
	r.nextListenerID++
	r.listeners[id] = listener
	r.listenersMu.Unlock()
	return func() {
		r.listenersMu.Lock()
		delete(r.listeners, id)
		r.listenersMu.Unlock()
	}
}

// Mirror returns a copy of the current mirror.
func (r *RoleResolver) Mirror() domain.RoleChange {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.changeLocked("")
}

// mirrorState is the view CrossContextSync compares incoming snapshots with.
type mirrorState struct {
	userID     string
	generation uint64
	roles      domain.RoleEntries
	members    domain.MemberEntries
	writtenAt  int64
}

func (r *RoleResolver) snapshotState() mirrorState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return mirrorState{
		userID:     r.userID,
		generation: r.generation,
		roles:      maps.Clone(r.roles),
		members:    maps.Clone(r.members),
		writtenAt:  r.writtenAt,
	}
}

// installRemote replaces the mirror with state received from a sibling.
// It refuses when the identity moved on or the mirror is already newer.
// Nothing is written back to the store.
func (r *RoleResolver) installRemote(next mirrorState) bool {
	r.mu.Lock()
	if r.generation != next.generation || r.userID != next.userID || next.writtenAt < r.writtenAt {
		r.mu.Unlock()
		return false
	}
	r.roles = next.roles
	r.members = next.members
	r.writtenAt = next.writtenAt
	for k := range r.states {
		if _, ok := r.roles[k]; !ok && r.states[k] == domain.FetchResolved {
			delete(r.states, k)
		}
	}
	for k := range r.roles {
		if r.states[k] != domain.FetchInFlight {
			r.states[k] = domain.FetchResolved
		}
	}
	r.mu.Unlock()

	r.notify(domain.ChangeReasonRemote)
	return true
}

// touchRemote advances the mirror age when a sibling re-persisted identical entries.
func (r *RoleResolver) touchRemote(gen uint64, writtenAt int64) {
	r.mu.Lock()
	if r.generation == gen && writtenAt > r.writtenAt {
		r.writtenAt = writtenAt
	}
	r.mu.Unlock()
}

// persist writes both mirrors through the store as one lock-step pair.
func (r *RoleResolver) persist(ctx context.Context, gen uint64) {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.RLock()
	if r.generation != gen || r.userID == "" {
		r.mu.RUnlock()
		return
	}
	userID := r.userID
	roles := maps.Clone(r.roles)
	members := maps.Clone(r.members)
	r.mu.RUnlock()

	snap := SaveEntries(ctx, r.store, domain.Namespace{Name: domain.RoleCacheName, UserID: userID}, roles)
	SaveEntries(ctx, r.store, domain.Namespace{Name: domain.MemberCacheName, UserID: userID}, members)

	r.mu.Lock()
	if r.generation == gen && snap.WrittenAt > r.writtenAt {
		r.writtenAt = snap.WrittenAt
	}
	r.mu.Unlock()
}

// expireIfStale drops a mirror older than the TTL and reloads from the store,
// which evicts the stale persisted copy or picks up a sibling's fresher one.
func (r *RoleResolver) expireIfStale(ctx context.Context) {
	r.mu.RLock()
	stale := r.userID != "" && r.staleLocked()
	userID, gen := r.userID, r.generation
	r.mu.RUnlock()
	if !stale {
		return
	}

	r.logger.Debug(ctx, "Role cache mirror expired, reloading", "user_id", userID)
	roles, members, writtenAt := r.loadMirror(ctx, userID)

	r.mu.Lock()
	if r.generation != gen || !r.staleLocked() {
		r.mu.Unlock()
		return
	}
	r.roles = roles
	r.members = members
	r.writtenAt = writtenAt
	r.states = resolvedStates(roles)
	r.mu.Unlock()

	r.notify(domain.ChangeReasonExpired)
}

func (r *RoleResolver) staleLocked() bool {
	if r.writtenAt == 0 {
		return false
	}
	return domain.Snapshot{WrittenAt: r.writtenAt}.Expired(r.clock.Now(), cacheTTL(r.config))
}

// loadMirror reads both namespaces of userID and reconciles them.
func (r *RoleResolver) loadMirror(ctx context.Context, userID string) (domain.RoleEntries, domain.MemberEntries, int64) {
	roles, rolesAt := LoadEntries[string](ctx, r.store, domain.Namespace{Name: domain.RoleCacheName, UserID: userID})
	members, membersAt := LoadEntries[domain.MemberInfo](ctx, r.store, domain.Namespace{Name: domain.MemberCacheName, UserID: userID})

	writtenAt := rolesAt
	if writtenAt == 0 || (membersAt != 0 && membersAt < writtenAt) {
		writtenAt = membersAt
	}
	mergedRoles, mergedMembers := reconcileMirrors(roles, members)
	return mergedRoles, mergedMembers, writtenAt
}

// reconcileMirrors restores the same-keys invariant between a role map and a
// member map that were persisted separately. Role entries win for the role
// value; missing member records are synthesized from the role.
func reconcileMirrors(roles map[string]string, members map[string]domain.MemberInfo) (domain.RoleEntries, domain.MemberEntries) {
	outRoles := make(domain.RoleEntries, len(roles))
	outMembers := make(domain.MemberEntries, len(roles))
	for k, role := range roles {
		outRoles[k] = role
		m, ok := members[k]
		if !ok || m.Role != role {
			m = domain.MemberInfo{Role: role}
		}
		outMembers[k] = m
	}
	for k, m := range members {
		if _, ok := outRoles[k]; ok {
			continue
		}
		outRoles[k] = m.Role
		outMembers[k] = m
	}
	return outRoles, outMembers
}

func resolvedStates(roles domain.RoleEntries) map[string]domain.FetchState {
	states := make(map[string]domain.FetchState, len(roles))
	for k := range roles {
		states[k] = domain.FetchResolved
	}
	return states
}

func (r *RoleResolver) changeLocked(reason string) domain.RoleChange {
	return domain.RoleChange{
		UserID:  r.userID,
		Reason:  reason,
		Roles:   maps.Clone(r.roles),
		Members: maps.Clone(r.members),
	}
}

func (r *RoleResolver) notify(reason string) {
	r.listenersMu.Lock()
	if len(r.listeners) == 0 {
		r.listenersMu.Unlock()
		return
	}
	listeners := make([]RoleListener, 0, len(r.listeners))
	for _, l := range r.listeners {
		listeners = append(listeners, l)
	}
	r.listenersMu.Unlock()

	r.mu.RLock()
	change := r.changeLocked(reason)
	r.mu.RUnlock()

	for _, l := range listeners {
		l(change)
	}
}

// IsIdentityChanged reports whether err came from a lookup discarded after an identity change.
func IsIdentityChanged(err error) bool {
	return errors.Is(err, domain.ErrIdentityChanged)
}
