package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, prefix string) *Store {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewWithClient(client, prefix, zerolog.Nop())
}

func TestKeyLayout(t *testing.T) {
	s := newTestStore(t, "")
	assert.Equal(t, "connected_muds", s.KeyConnectedMuds())
	assert.Equal(t, "mud_info:Alpha", s.KeyMudInfo("Alpha"))
	assert.Equal(t, "channel:gossip:members", s.KeyChannelMembers("gossip"))
	assert.Equal(t, "channel:gossip:history", s.KeyChannelHistory("gossip"))
	assert.Equal(t, "channel:gossip:meta", s.KeyChannelMeta("gossip"))
	assert.Equal(t, "presence:Alpha:ann", s.KeyPresence("Alpha", "ann"))
	assert.Equal(t, "presence:*:ann", s.PresencePattern("ann"))
	assert.Equal(t, "route:Alpha", s.RouteChannel("Alpha"))
	assert.Equal(t, "events", s.EventsChannel())
	assert.Equal(t, "outbound_messages", s.KeyOutbound())

	p := newTestStore(t, "mesh")
	assert.Equal(t, "mesh:connected_muds", p.KeyConnectedMuds())
	assert.Equal(t, "mesh:route:Alpha", p.RouteChannel("Alpha"))
}

func TestGetSetDel(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "")

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	require.NoError(t, s.Del(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetOps(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "")
	key := s.KeyConnectedMuds()

	require.NoError(t, s.SAdd(ctx, key, "Alpha", "Beta"))

	members, err := s.SMembers(ctx, key)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Alpha", "Beta"}, members)

	ok, err := s.SIsMember(ctx, key, "Alpha")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.SRem(ctx, key, "Alpha"))
	ok, err = s.SIsMember(ctx, key, "Alpha")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPushCappedTrimsOnWrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "")
	key := s.KeyChannelHistory("gossip")

	for i := 0; i < 150; i++ {
		require.NoError(t, s.PushCapped(ctx, key, fmt.Sprintf("m%d", i), 100))
	}

	items, err := s.LRange(ctx, key, 0, -1)
	require.NoError(t, err)
	require.Len(t, items, 100)
	// Newest first; the oldest 50 fell off.
	assert.Equal(t, "m149", items[0])
	assert.Equal(t, "m50", items[99])
}

func TestScanKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "")

	require.NoError(t, s.Set(ctx, s.KeyPresence("Alpha", "ann"), "{}", 0))
	require.NoError(t, s.Set(ctx, s.KeyPresence("Beta", "ann"), "{}", 0))
	require.NoError(t, s.Set(ctx, s.KeyPresence("Beta", "bob"), "{}", 0))

	keys, err := s.ScanKeys(ctx, s.PresencePattern("ann"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"presence:Alpha:ann", "presence:Beta:ann"}, keys)
}

func TestBRPop(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "")
	key := s.KeyOutbound()

	require.NoError(t, s.RPush(ctx, key, "first"))
	require.NoError(t, s.RPush(ctx, key, "second"))

	v, err := s.BRPop(ctx, time.Second, key)
	require.NoError(t, err)
	assert.Equal(t, "second", v)

	v, err = s.BRPop(ctx, time.Second, key)
	require.NoError(t, err)
	assert.Equal(t, "first", v)
}

func TestPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "")

	sub := s.Subscribe(ctx, s.RouteChannel("Alpha"))
	t.Cleanup(func() { _ = sub.Close() })

	// Wait for the subscription to register before publishing.
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Publish(ctx, s.RouteChannel("Alpha"), []byte("hello")))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "hello", msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pub/sub delivery")
	}
}

func TestWriteBufferReplay(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "")

	recovered := false
	s.OnRecover(func(ctx context.Context) { recovered = true })

	// Queue writes as if the store had been unreachable when they ran.
	require.NoError(t, s.deferWrite("set", func(ctx context.Context) error {
		return s.client.Set(ctx, "a", "1", 0).Err()
	}))
	require.NoError(t, s.deferWrite("set", func(ctx context.Context) error {
		return s.client.Set(ctx, "b", "2", 0).Err()
	}))

	assert.Equal(t, 2, s.PendingWrites())
	assert.False(t, s.Healthy())

	s.recover(ctx)

	assert.Equal(t, 0, s.PendingWrites())
	assert.True(t, recovered)

	v, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
	v, err = s.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}

func TestWriteBufferBound(t *testing.T) {
	s := newTestStore(t, "")
	s.maxPending = 1

	require.NoError(t, s.deferWrite("set", func(ctx context.Context) error { return nil }))
	err := s.deferWrite("set", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrBufferFull)
}

func TestCloseStopsWatcher(t *testing.T) {
	s := newTestStore(t, "")

	ctx := context.Background()
	s.StartWatcher(ctx)
	s.StartWatcher(ctx) // second call is a no-op

	done := make(chan error, 1)
	go func() { done <- s.Close() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}

	assert.True(t, s.Healthy())
}
