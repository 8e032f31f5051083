package application

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"gitlab.com/timkado/api/event-context-agent/internal/adapters/config"
	"gitlab.com/timkado/api/event-context-agent/internal/adapters/metrics"
	"gitlab.com/timkado/api/event-context-agent/internal/domain"
	"gitlab.com/timkado/api/event-context-agent/pkg/rediskeys"
)

// ContextID identifies one execution context (one agent process).
type ContextID string

// DurableStore is the namespaced, TTL-aware view over the shared snapshot medium.
// Every write to the medium goes through Save or Clear so that namespacing and
// timestamping are enforced in one place.
type DurableStore struct {
	medium    domain.SnapshotMedium
	publisher domain.SyncPublisher
	logger    domain.Logger
	clock     clock.Clock
	config    config.Provider
	origin    ContextID
}

// NewDurableStore creates a new DurableStore. publisher may be nil, in which
// case saves are not broadcast.
func NewDurableStore(
	medium domain.SnapshotMedium,
	publisher domain.SyncPublisher,
	logger domain.Logger,
	clk clock.Clock,
	cfgProvider config.Provider,
	origin ContextID,
) *DurableStore {
	if medium == nil {
		panic("snapshot medium is nil in NewDurableStore")
	}
	if logger == nil {
		panic("logger is nil in NewDurableStore")
	}
	return &DurableStore{
		medium:    medium,
		publisher: publisher,
		logger:    logger,
		clock:     clk,
		config:    cfgProvider,
		origin:    origin,
	}
}

// TTL returns the configured maximum snapshot age.
func (s *DurableStore) TTL() time.Duration {
	return cacheTTL(s.config)
}

func cacheTTL(cfgProvider config.Provider) time.Duration {
	if cfgProvider == nil {
		return domain.DefaultCacheTTL
	}
	if ttl := cfgProvider.Get().Cache.TTL(); ttl > 0 {
		return ttl
	}
	return domain.DefaultCacheTTL
}

// Load returns the persisted snapshot for ns. A snapshot that is absent,
// corrupt or older than the TTL yields found == false; corrupt and expired
// copies are deleted from the medium.
func (s *DurableStore) Load(ctx context.Context, ns domain.Namespace) (domain.Snapshot, bool) {
	if !ns.Valid() {
		return domain.Snapshot{}, false
	}
	key := rediskeys.SnapshotKey(ns.Name, ns.UserID)

	raw, found, err := s.medium.Get(ctx, key)
	if err != nil {
		metrics.IncrementStoreOperation("load", "error")
		s.logger.Warn(ctx, "Failed to read snapshot, treating as cache miss", "key", key, "error", err.Error())
		return domain.Snapshot{}, false
	}
	if !found {
		metrics.IncrementStoreOperation("load", "miss")
		return domain.Snapshot{}, false
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		metrics.IncrementStoreOperation("load", "corrupt")
		s.logger.Warn(ctx, "Discarding corrupt snapshot", "key", key, "error", err.Error())
		s.evict(ctx, key)
		return domain.Snapshot{}, false
	}
	if snap.Expired(s.clock.Now(), s.TTL()) {
		metrics.IncrementStoreOperation("load", "expired")
		s.logger.Debug(ctx, "Discarding expired snapshot", "key", key, "written_at", snap.WrittenAt)
		s.evict(ctx, key)
		return domain.Snapshot{}, false
	}

	metrics.IncrementStoreOperation("load", "hit")
	return snap, true
}

// Save stamps entries with the current time, persists them and broadcasts
// the change. It never fails: medium and transport errors are logged.
// The returned snapshot carries the stamp even when persisting failed.
func (s *DurableStore) Save(ctx context.Context, ns domain.Namespace, entries map[string]json.RawMessage) domain.Snapshot {
	snap := domain.Snapshot{Entries: entries, WrittenAt: s.clock.Now().UnixMilli()}
	if !ns.Valid() {
		return snap
	}
	key := rediskeys.SnapshotKey(ns.Name, ns.UserID)

	payload, err := json.Marshal(snap)
	if err != nil {
		metrics.IncrementStoreOperation("save", "error")
		s.logger.Error(ctx, "Failed to serialize snapshot", "key", key, "error", err.Error())
		return snap
	}
	if err := s.medium.Set(ctx, key, payload); err != nil {
		metrics.IncrementStoreOperation("save", "error")
		s.logger.Error(ctx, "Failed to persist snapshot, continuing in memory only", "key", key, "error", err.Error())
		return snap
	}
	metrics.IncrementStoreOperation("save", "ok")

	if s.publisher != nil {
		msg := domain.SyncMessage{Key: key, NewValue: string(payload), Origin: string(s.origin)}
		if err := s.publisher.PublishSync(ctx, ns.UserID, msg); err != nil {
			s.logger.Warn(ctx, "Failed to broadcast snapshot change", "key", key, "error", err.Error())
		}
	}
	return snap
}

// Clear removes the persisted snapshot for ns. It never fails.
func (s *DurableStore) Clear(ctx context.Context, ns domain.Namespace) {
	if !ns.Valid() {
		return
	}
	key := rediskeys.SnapshotKey(ns.Name, ns.UserID)
	if err := s.medium.Delete(ctx, key); err != nil {
		metrics.IncrementStoreOperation("clear", "error")
		s.logger.Error(ctx, "Failed to clear snapshot", "key", key, "error", err.Error())
		return
	}
	metrics.IncrementStoreOperation("clear", "ok")
}

func (s *DurableStore) evict(ctx context.Context, key string) {
	if err := s.medium.Delete(ctx, key); err != nil {
		s.logger.Warn(ctx, "Failed to evict snapshot", "key", key, "error", err.Error())
	}
}

// DecodeEntries decodes the entries of snap into typed values.
func DecodeEntries[T any](snap domain.Snapshot) (map[string]T, error) {
	out := make(map[string]T, len(snap.Entries))
	for k, raw := range snap.Entries {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, errors.Join(domain.ErrCorruptSnapshot, err)
		}
		out[k] = v
	}
	return out, nil
}

// LoadEntries loads ns and decodes it into typed entries. A snapshot whose
// entries do not decode as T is treated like any other corrupt snapshot.
func LoadEntries[T any](ctx context.Context, s *DurableStore, ns domain.Namespace) (map[string]T, int64) {
	snap, found := s.Load(ctx, ns)
	if !found {
		return map[string]T{}, 0
	}
	entries, err := DecodeEntries[T](snap)
	if err != nil {
		metrics.IncrementStoreOperation("load", "corrupt")
		key := rediskeys.SnapshotKey(ns.Name, ns.UserID)
		s.logger.Warn(ctx, "Discarding snapshot with undecodable entries", "key", key, "error", err.Error())
		s.evict(ctx, key)
		return map[string]T{}, 0
	}
	return entries, snap.WrittenAt
}

// SaveEntries encodes typed entries and saves them under ns.
func SaveEntries[T any](ctx context.Context, s *DurableStore, ns domain.Namespace, entries map[string]T) domain.Snapshot {
	raw := make(map[string]json.RawMessage, len(entries))
	for k, v := range entries {
		b, err := json.Marshal(v)
		if err != nil {
			metrics.IncrementStoreOperation("save", "error")
			s.logger.Error(ctx, "Failed to serialize cache entry", "name", ns.Name, "entry", k, "error", err.Error())
			return domain.Snapshot{WrittenAt: s.clock.Now().UnixMilli()}
		}
		raw[k] = b
	}
	return s.Save(ctx, ns, raw)
}
