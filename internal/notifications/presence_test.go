package notifications

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func presenceFixture(t *testing.T, cfg PresenceConfig) (*PresenceTracker, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	p := NewPresenceTracker(rdb, cfg)
	t.Cleanup(p.Stop)
	return p, mr, rdb
}

func TestPresenceTracker_RegisterMarksOnline(t *testing.T) {
	p, _, rdb := presenceFixture(t, PresenceConfig{})
	ctx := context.Background()

	assert.False(t, p.IsOnline(ctx, 7))

	p.Register(ctx, 7)
	assert.True(t, p.IsOnline(ctx, 7))

	members, err := rdb.SMembers(ctx, presenceOnlineSetKey).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"7"}, members)

	exists, err := rdb.Exists(ctx, presenceSeenKeyNS+"7").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)
}

func TestPresenceTracker_WorksWithoutRedis(t *testing.T) {
	p := NewPresenceTracker(nil, PresenceConfig{})
	defer p.Stop()
	ctx := context.Background()

	p.Register(ctx, 3)
	assert.True(t, p.IsOnline(ctx, 3))
	assert.Equal(t, []uint{3}, p.OnlineUserIDs(ctx))
}

func TestPresenceTracker_OfflineAfterGrace(t *testing.T) {
	var offline atomic.Uint32
	p, mr, _ := presenceFixture(t, PresenceConfig{
		SeenTTL:      50 * time.Millisecond,
		OfflineGrace: 20 * time.Millisecond,
		OnOffline:    func(uint) { offline.Add(1) },
	})
	ctx := context.Background()

	p.Register(ctx, 7)
	p.Unregister(7)
	// miniredis only expires keys when the clock is advanced.
	mr.FastForward(time.Second)

	assert.Eventually(t, func() bool {
		return offline.Load() == 1 && !p.IsOnline(ctx, 7)
	}, time.Second, 10*time.Millisecond)
}

func TestPresenceTracker_ReconnectWithinGraceStaysOnline(t *testing.T) {
	var offline atomic.Uint32
	p, _, _ := presenceFixture(t, PresenceConfig{
		OfflineGrace: 30 * time.Millisecond,
		OnOffline:    func(uint) { offline.Add(1) },
	})
	ctx := context.Background()

	// A page refresh drops the socket and immediately opens a new one.
	p.Register(ctx, 7)
	p.Unregister(7)
	p.Register(ctx, 7)

	assert.Never(t, func() bool {
		return offline.Load() > 0
	}, 150*time.Millisecond, 10*time.Millisecond)
	assert.True(t, p.IsOnline(ctx, 7))
}

func TestPresenceTracker_SecondSocketKeepsUserOnline(t *testing.T) {
	p, _, _ := presenceFixture(t, PresenceConfig{OfflineGrace: 10 * time.Millisecond})
	ctx := context.Background()

	p.Register(ctx, 7)
	p.Register(ctx, 7)
	p.Unregister(7)

	time.Sleep(50 * time.Millisecond)
	assert.True(t, p.IsOnline(ctx, 7))
	assert.Equal(t, []uint{7}, p.OnlineUserIDs(ctx))
}

func TestPresenceTracker_ReapRemovesCrashedInstanceEntries(t *testing.T) {
	var offline atomic.Uint32
	p, mr, rdb := presenceFixture(t, PresenceConfig{
		SeenTTL:   time.Second,
		OnOffline: func(uint) { offline.Add(1) },
	})
	ctx := context.Background()

	// Another instance registered user 9 and then died; its last-seen
	// key expires but the set member lingers.
	require.NoError(t, rdb.SAdd(ctx, presenceOnlineSetKey, "9").Err())
	require.NoError(t, rdb.SetEx(ctx, presenceSeenKeyNS+"9", "1", time.Second).Err())
	mr.FastForward(2 * time.Second)

	p.reapOnce(ctx)

	members, err := rdb.SMembers(ctx, presenceOnlineSetKey).Result()
	require.NoError(t, err)
	assert.Empty(t, members)
	assert.Equal(t, uint32(1), offline.Load())
}

func TestPresenceTracker_OnlineUserIDsFiltersStaleMembers(t *testing.T) {
	p, mr, rdb := presenceFixture(t, PresenceConfig{SeenTTL: time.Second})
	ctx := context.Background()

	p.Register(ctx, 1)
	require.NoError(t, rdb.SAdd(ctx, presenceOnlineSetKey, "2").Err())
	require.NoError(t, rdb.SetEx(ctx, presenceSeenKeyNS+"2", "1", time.Second).Err())
	require.NoError(t, rdb.SAdd(ctx, presenceOnlineSetKey, "3").Err())

	// User 3 has no last-seen key at all and gets dropped.
	ids := p.OnlineUserIDs(ctx)
	assert.ElementsMatch(t, []uint{1, 2}, ids)

	// Once user 2's key expires only the local socket remains.
	mr.FastForward(2 * time.Second)
	ids = p.OnlineUserIDs(ctx)
	assert.Equal(t, []uint{1}, ids)
}

func TestPresenceTracker_OnlineCallbackFiresOncePerTransition(t *testing.T) {
	var online atomic.Uint32
	p, _, _ := presenceFixture(t, PresenceConfig{
		OnOnline: func(uint) { online.Add(1) },
	})
	ctx := context.Background()

	p.Register(ctx, 7)
	p.Register(ctx, 7)

	assert.Equal(t, uint32(1), online.Load())
}
