package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/event-context-agent/internal/adapters/logger"
	"gitlab.com/timkado/api/event-context-agent/internal/domain"
	"gitlab.com/timkado/api/event-context-agent/pkg/rediskeys"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestSnapshotMediumAdapter_RoundTrip(t *testing.T) {
	mr, client := newTestClient(t)
	adapter := NewSnapshotMediumAdapter(client, logger.NewFromZap(zap.NewNop()))
	ctx := context.Background()
	key := rediskeys.SnapshotKey(domain.RoleCacheName, "u1")

	_, found, err := adapter.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, adapter.Set(ctx, key, []byte(`{"E1":"HoD","_timestamp":1}`)))
	assert.True(t, mr.Exists(key))
	assert.Zero(t, mr.TTL(key), "snapshots carry their own age")

	val, found, err := adapter.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"E1":"HoD","_timestamp":1}`, string(val))

	require.NoError(t, adapter.Delete(ctx, key))
	require.NoError(t, adapter.Delete(ctx, key), "deleting a missing key is fine")
	assert.False(t, mr.Exists(key))
}

func TestSnapshotMediumAdapter_ConnectionError(t *testing.T) {
	mr, client := newTestClient(t)
	adapter := NewSnapshotMediumAdapter(client, logger.NewFromZap(zap.NewNop()))
	mr.Close()

	_, _, err := adapter.Get(context.Background(), "eventctx:eventRoles:u1")
	assert.Error(t, err)
}

func TestSelectionPurgerAdapter_PurgesOnlyThatUser(t *testing.T) {
	mr, client := newTestClient(t)
	adapter := NewSelectionPurgerAdapter(client, logger.NewFromZap(zap.NewNop()))

	require.NoError(t, mr.Set(rediskeys.SelectionKey("u1", "selectedEvent"), "E1"))
	require.NoError(t, mr.Set(rediskeys.SelectionKey("u1", "selectedDepartment"), "D1"))
	require.NoError(t, mr.Set(rediskeys.SelectionKey("u2", "selectedEvent"), "E9"))

	n, err := adapter.PurgeSelections(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, mr.Exists(rediskeys.SelectionKey("u1", "selectedEvent")))
	assert.True(t, mr.Exists(rediskeys.SelectionKey("u2", "selectedEvent")))

	n, err = adapter.PurgeSelections(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSyncPubSubAdapter_PublishAndSubscribe(t *testing.T) {
	_, client := newTestClient(t)
	adapter := NewSyncPubSubAdapter(client, logger.NewFromZap(zap.NewNop()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var received []domain.SyncMessage
	err := adapter.SubscribeSync(ctx, func(_ context.Context, m domain.SyncMessage) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, m)
		return nil
	})
	require.NoError(t, err)
	defer adapter.Close()

	assert.Error(t, adapter.SubscribeSync(ctx, func(context.Context, domain.SyncMessage) error { return nil }))

	msg := domain.SyncMessage{Key: rediskeys.SnapshotKey(domain.RoleCacheName, "u1"), NewValue: `{"_timestamp":1}`}
	require.NoError(t, adapter.PublishSync(ctx, "u1", msg))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, msg, received[0])
	mu.Unlock()

	require.NoError(t, adapter.Close())
	require.NoError(t, adapter.Close())
}

func TestSyncPubSubAdapter_HandlerPanicDoesNotStopLoop(t *testing.T) {
	_, client := newTestClient(t)
	adapter := NewSyncPubSubAdapter(client, logger.NewFromZap(zap.NewNop()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	calls := 0
	require.NoError(t, adapter.SubscribeSync(ctx, func(context.Context, domain.SyncMessage) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			panic("boom")
		}
		return nil
	}))
	defer adapter.Close()

	require.NoError(t, adapter.PublishSync(ctx, "u1", domain.SyncMessage{Key: "a"}))
	require.NoError(t, adapter.PublishSync(ctx, "u1", domain.SyncMessage{Key: "b"}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, 2*time.Second, 10*time.Millisecond)
}
