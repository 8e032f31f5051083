package application

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"gitlab.com/timkado/api/event-context-agent/internal/adapters/config"
	"gitlab.com/timkado/api/event-context-agent/internal/adapters/metrics"
	"gitlab.com/timkado/api/event-context-agent/internal/domain"
	"gitlab.com/timkado/api/event-context-agent/pkg/rediskeys"
)

// CrossContextSync keeps this context's mirror eventually consistent with
// sibling contexts of the same user. Incoming snapshots are applied only when
// they differ from the mirror and are never saved back, so two contexts cannot
// ping-pong the same update.
type CrossContextSync struct {
	logger     domain.Logger
	resolver   *RoleResolver
	subscriber domain.SyncSubscriber
	clock      clock.Clock
	config     config.Provider
	self       ContextID
}

// NewCrossContextSync creates a new CrossContextSync.
func NewCrossContextSync(
	logger domain.Logger,
	resolver *RoleResolver,
	subscriber domain.SyncSubscriber,
	clk clock.Clock,
	cfgProvider config.Provider,
	self ContextID,
) *CrossContextSync {
	return &CrossContextSync{
		logger:     logger,
		resolver:   resolver,
		subscriber: subscriber,
		clock:      clk,
		config:     cfgProvider,
		self:       self,
	}
}

// Start subscribes to sibling broadcasts until ctx is done.
func (s *CrossContextSync) Start(ctx context.Context) error {
	if s.subscriber == nil {
		return errors.New("no sync subscriber configured")
	}
	return s.subscriber.SubscribeSync(ctx, s.HandleMessage)
}

// Stop closes the subscription.
func (s *CrossContextSync) Stop() error {
	if s.subscriber == nil {
		return nil
	}
	return s.subscriber.Close()
}

var mirrorCompareOpts = cmp.Options{cmpopts.EquateEmpty()}

// HandleMessage merges one broadcast into the mirror. Messages that do not
// concern the current user of this context are dropped.
func (s *CrossContextSync) HandleMessage(ctx context.Context, msg domain.SyncMessage) error {
	if msg.Origin != "" && msg.Origin == string(s.self) {
		metrics.IncrementSyncMessage("in", "self")
		return nil
	}

	name, userID, ok := rediskeys.ParseSnapshotKey(msg.Key)
	if !ok || (name != domain.RoleCacheName && name != domain.MemberCacheName) {
		metrics.IncrementSyncMessage("in", "ignored")
		return nil
	}

	state := s.resolver.snapshotState()
	if state.userID == "" || state.userID != userID {
		metrics.IncrementSyncMessage("in", "foreign_user")
		return nil
	}

	var snap domain.Snapshot
	if err := json.Unmarshal([]byte(msg.NewValue), &snap); err != nil {
		metrics.IncrementSyncMessage("in", "malformed")
		s.logger.Warn(ctx, "Ignoring undecodable sync snapshot", "key", msg.Key, "error", err.Error())
		return nil
	}
	if snap.Expired(s.clock.Now(), cacheTTL(s.config)) || snap.WrittenAt < state.writtenAt {
		metrics.IncrementSyncMessage("in", "stale")
		return nil
	}

	next := state
	next.writtenAt = snap.WrittenAt
	var changed bool
	switch name {
	case domain.RoleCacheName:
		roles, err := DecodeEntries[string](snap)
		if err != nil {
			metrics.IncrementSyncMessage("in", "malformed")
			s.logger.Warn(ctx, "Ignoring sync snapshot with undecodable roles", "key", msg.Key, "error", err.Error())
			return nil
		}
		changed = !cmp.Equal(map[string]string(state.roles), roles, mirrorCompareOpts)
		next.roles, next.members = reconcileMirrors(roles, state.members)
	case domain.MemberCacheName:
		members, err := DecodeEntries[domain.MemberInfo](snap)
		if err != nil {
			metrics.IncrementSyncMessage("in", "malformed")
			s.logger.Warn(ctx, "Ignoring sync snapshot with undecodable members", "key", msg.Key, "error", err.Error())
			return nil
		}
		changed = !cmp.Equal(map[string]domain.MemberInfo(state.members), members, mirrorCompareOpts)
		next.roles, next.members = reconcileMirrors(rolesOf(members), members)
	}

	if !changed {
		metrics.IncrementSyncMessage("in", "unchanged")
		s.resolver.touchRemote(state.generation, snap.WrittenAt)
		return nil
	}
	if !s.resolver.installRemote(next) {
		metrics.IncrementSyncMessage("in", "superseded")
		return nil
	}
	metrics.IncrementSyncMessage("in", "applied")
	s.logger.Debug(ctx, "Applied sibling cache update", "key", msg.Key, "entries", len(next.roles))
	return nil
}

func rolesOf(members map[string]domain.MemberInfo) map[string]string {
	roles := make(map[string]string, len(members))
	for k, m := range members {
		roles[k] = m.Role
	}
	return roles
}
