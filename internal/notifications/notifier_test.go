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

func TestNotifier_PublishLikeUpdate_NilRedis(t *testing.T) {
	// Notifier with nil Redis should return nil error (fail-open/noop)
	n := NewNotifier(nil)
	err := n.PublishLikeUpdate(context.Background(), LikeEvent{PostID: 1, LikeCount: 1, UserID: 1})
	assert.NoError(t, err)
	assert.False(t, n.HasTransport())
}

func TestNotifier_RoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	n := NewNotifier(rdb)
	assert.True(t, n.HasTransport())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan LikeEvent, 1)
	require.NoError(t, n.StartLikeSubscriber(ctx, func(event LikeEvent) {
		events <- event
	}))

	sent := LikeEvent{PostID: 5, LikeCount: 3, UserID: 10}
	require.NoError(t, n.PublishLikeUpdate(context.Background(), sent))

	select {
	case got := <-events:
		assert.Equal(t, sent, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for like event")
	}
}

func TestNotifier_SubscriberStopsOnCancel(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	n := NewNotifier(rdb)
	ctx, cancel := context.WithCancel(context.Background())

	var received int32
	require.NoError(t, n.StartLikeSubscriber(ctx, func(LikeEvent) {
		atomic.AddInt32(&received, 1)
	}))

	require.NoError(t, n.PublishLikeUpdate(context.Background(), LikeEvent{PostID: 1, LikeCount: 1, UserID: 1}))
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&received) >= 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, n.PublishLikeUpdate(context.Background(), LikeEvent{PostID: 2, LikeCount: 2, UserID: 2}))
	assert.Never(t, func() bool {
		return atomic.LoadInt32(&received) > 1
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestNotifier_SubscriberIgnoresMalformedPayload(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	n := NewNotifier(rdb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var received int32
	require.NoError(t, n.StartLikeSubscriber(ctx, func(LikeEvent) {
		atomic.AddInt32(&received, 1)
	}))

	require.NoError(t, rdb.Publish(context.Background(), LikeUpdatesChannel, "not json").Err())
	require.NoError(t, n.PublishLikeUpdate(context.Background(), LikeEvent{PostID: 1, LikeCount: 1, UserID: 1}))

	// The well-formed event still arrives after the malformed one.
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&received) == 1
	}, time.Second, 10*time.Millisecond)
}
