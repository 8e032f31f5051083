package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/event-context-agent/internal/domain"
	"gitlab.com/timkado/api/event-context-agent/pkg/rediskeys"
)

func TestSessionLifecycle_LoginWarmsFromDurableStore(t *testing.T) {
	medium := newMemoryMedium()
	ts := jsonNumber(testEpoch.UnixMilli())
	medium.put(rediskeys.SnapshotKey(domain.RoleCacheName, "u1"), `{"E1":"HoD","_timestamp":`+ts+`}`)
	medium.put(rediskeys.SnapshotKey(domain.MemberCacheName, "u1"), `{"E1":{"role":"HoD"},"_timestamp":`+ts+`}`)

	tc := newTestContext(t, "ctx-1", medium, &syncBus{}, newTestClock())
	state, _ := tc.lifecycle.State()
	assert.Equal(t, domain.SessionNoUser, state)

	tc.login(t, "u1")

	state, userID := tc.lifecycle.State()
	assert.Equal(t, domain.SessionActive, state)
	assert.Equal(t, "u1", userID)
	assert.Equal(t, "HoD", tc.resolver.GetRoleSync("E1"))
	assert.Equal(t, "HoD", tc.resolver.FetchRole(context.Background(), "E1"))
	assert.Zero(t, tc.lookup.callCount("E1"))
}

func TestSessionLifecycle_LoginWithExpiredSnapshotStartsEmpty(t *testing.T) {
	medium := newMemoryMedium()
	old := jsonNumber(testEpoch.Add(-2 * time.Hour).UnixMilli())
	key := rediskeys.SnapshotKey(domain.RoleCacheName, "u1")
	medium.put(key, `{"E1":"HoD","_timestamp":`+old+`}`)

	tc := newTestContext(t, "ctx-1", medium, &syncBus{}, newTestClock())
	tc.login(t, "u1")

	assert.Equal(t, "", tc.resolver.GetRoleSync("E1"))
	assert.False(t, medium.has(key))
}

func TestSessionLifecycle_UserSwitchIsolation(t *testing.T) {
	medium := newMemoryMedium()
	tc := newTestContext(t, "ctx-1", medium, &syncBus{}, newTestClock())
	tc.login(t, "userA")
	tc.lookup.set("E1", domain.RoleLookupResult{Role: "HoD"})
	require.Equal(t, "HoD", tc.resolver.FetchRole(context.Background(), "E1"))
	medium.put(rediskeys.SnapshotKey("selectedEvent", "userA"), `{"id":"E1","_timestamp":1}`)
	require.True(t, medium.has(rediskeys.SnapshotKey(domain.RoleCacheName, "userA")))

	tc.login(t, "userB")

	assert.Equal(t, "", tc.resolver.GetRoleSync("E1"))
	assert.Equal(t, domain.MemberInfo{}, tc.resolver.GetMemberSync("E1"))
	assert.False(t, medium.has(rediskeys.SnapshotKey(domain.RoleCacheName, "userA")))
	assert.False(t, medium.has(rediskeys.SnapshotKey(domain.MemberCacheName, "userA")))
	assert.False(t, medium.has(rediskeys.SnapshotKey("selectedEvent", "userA")))
	assert.Equal(t, []string{"userA"}, tc.purger.users)

	state, userID := tc.lifecycle.State()
	assert.Equal(t, domain.SessionActive, state)
	assert.Equal(t, "userB", userID)
}

func TestSessionLifecycle_LogoutTeardown(t *testing.T) {
	medium := newMemoryMedium()
	tc := newTestContext(t, "ctx-1", medium, &syncBus{}, newTestClock())
	tc.login(t, "u1")
	tc.lookup.set("E1", domain.RoleLookupResult{Role: "HoD"})
	tc.lookup.set("E2", domain.RoleLookupResult{Role: "Member"})
	ctx := context.Background()
	tc.resolver.FetchRole(ctx, "E1")
	tc.resolver.FetchRole(ctx, "E2")

	tc.lifecycle.Logout(ctx)
	tc.lifecycle.Logout(ctx)

	for _, id := range []string{"E1", "E2"} {
		assert.Equal(t, "", tc.resolver.GetRoleSync(id))
	}
	assert.False(t, medium.has(rediskeys.SnapshotKey(domain.RoleCacheName, "u1")))
	assert.False(t, medium.has(rediskeys.SnapshotKey(domain.MemberCacheName, "u1")))
	assert.Equal(t, []string{"u1"}, tc.purger.users, "second logout is a no-op")
	assert.Equal(t, "", tc.resolver.FetchRole(ctx, "E1"), "resolver is inert after logout")
}

func TestSessionLifecycle_DefensiveLogoutWhenUserDisappears(t *testing.T) {
	medium := newMemoryMedium()
	tc := newTestContext(t, "ctx-1", medium, &syncBus{}, newTestClock())
	tc.login(t, "u1")
	tc.lookup.set("E1", domain.RoleLookupResult{Role: "HoD"})
	tc.resolver.FetchRole(context.Background(), "E1")

	// Identity cleared without anyone consuming the logout signal.
	tc.identity.SignOut()
	require.NoError(t, tc.lifecycle.Sync(context.Background()))

	state, _ := tc.lifecycle.State()
	assert.Equal(t, domain.SessionNoUser, state)
	assert.Equal(t, "", tc.resolver.GetRoleSync("E1"))
	assert.False(t, medium.has(rediskeys.SnapshotKey(domain.RoleCacheName, "u1")))
}

func TestSessionLifecycle_HandleLogoutSignals(t *testing.T) {
	medium := newMemoryMedium()
	tc := newTestContext(t, "ctx-1", medium, &syncBus{}, newTestClock())
	tc.login(t, "u1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tc.lifecycle.HandleLogoutSignals(ctx, tc.identity.LogoutSignals())
	tc.identity.SignOut()

	assert.Eventually(t, func() bool {
		state, _ := tc.lifecycle.State()
		return state == domain.SessionNoUser
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSessionLifecycle_SyncWithSameUserIsNoop(t *testing.T) {
	tc := newTestContext(t, "ctx-1", newMemoryMedium(), &syncBus{}, newTestClock())
	tc.login(t, "u1")
	tc.lookup.set("E1", domain.RoleLookupResult{Role: "HoD"})
	tc.resolver.FetchRole(context.Background(), "E1")

	require.NoError(t, tc.lifecycle.Sync(context.Background()))

	assert.Equal(t, "HoD", tc.resolver.GetRoleSync("E1"))
	assert.Empty(t, tc.purger.users)
}
