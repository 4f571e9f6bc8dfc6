package channels

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mudvault/mesh/internal/store"
	"github.com/mudvault/mesh/pkg/protocol"
)

func newTestService(t *testing.T, opts Options) *Service {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := store.NewWithClient(client, "", zerolog.Nop())
	return NewService(st, "gw-test", opts, zerolog.Nop())
}

func endpoint(mud, user string) protocol.Endpoint {
	return protocol.Endpoint{Mud: mud, User: user}
}

func TestJoinCreatesChannelAndRecordsHistory(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Options{})

	created, err := svc.Join(ctx, "gossip", endpoint("Alpha", "ann"))
	require.NoError(t, err)
	assert.True(t, created)

	members, err := svc.Members(ctx, "gossip")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "Alpha", members[0].Mud)
	assert.Equal(t, "ann", members[0].User)

	history, err := svc.History(ctx, "gossip", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, KindJoin, history[0].Kind)

	// Second join of the same endpoint neither recreates the channel
	// nor duplicates the join record.
	created, err = svc.Join(ctx, "gossip", endpoint("Alpha", "ann"))
	require.NoError(t, err)
	assert.False(t, created)

	history, err = svc.History(ctx, "gossip", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestLeaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Options{})

	_, err := svc.Join(ctx, "gossip", endpoint("Alpha", "ann"))
	require.NoError(t, err)

	left, err := svc.Leave(ctx, "gossip", endpoint("Alpha", "ann"))
	require.NoError(t, err)
	assert.True(t, left)

	// A second leave succeeds without another history record.
	left, err = svc.Leave(ctx, "gossip", endpoint("Alpha", "ann"))
	require.NoError(t, err)
	assert.False(t, left)

	history, err := svc.History(ctx, "gossip", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, KindJoin, history[0].Kind)
	assert.Equal(t, KindLeave, history[1].Kind)
}

func TestPostReturnsMembersAndAppendsHistory(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Options{})

	_, err := svc.Join(ctx, "gossip", endpoint("Beta", "bob"))
	require.NoError(t, err)
	_, err = svc.Join(ctx, "gossip", endpoint("Gamma", "gail"))
	require.NoError(t, err)

	members, err := svc.Post(ctx, "gossip", endpoint("Alpha", "ann"), "hello", KindMessage)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	history, err := svc.History(ctx, "gossip", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, KindJoin, history[0].Kind)
	assert.Equal(t, KindJoin, history[1].Kind)
	assert.Equal(t, KindMessage, history[2].Kind)
	assert.Equal(t, "hello", history[2].Content)
	assert.Equal(t, "Alpha", history[2].Mud)
}

func TestPostToMissingChannel(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Options{})

	_, err := svc.Post(ctx, "nowhere", endpoint("Alpha", "ann"), "hi", KindMessage)
	require.Error(t, err)
	assert.Equal(t, protocol.ErrCodeChannelNotFound, protocol.WireCode(err))
}

func TestJoinRequiredPolicy(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Options{JoinRequired: true})

	_, err := svc.Join(ctx, "gossip", endpoint("Beta", "bob"))
	require.NoError(t, err)

	_, err = svc.Post(ctx, "gossip", endpoint("Alpha", "ann"), "hi", KindMessage)
	require.Error(t, err)
	assert.Equal(t, protocol.ErrCodeUnauthorized, protocol.WireCode(err))

	_, err = svc.Join(ctx, "gossip", endpoint("Alpha", "ann"))
	require.NoError(t, err)

	_, err = svc.Post(ctx, "gossip", endpoint("Alpha", "ann"), "hi", KindMessage)
	assert.NoError(t, err)
}

func TestHistoryBound(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Options{HistoryLength: 5})

	_, err := svc.Join(ctx, "busy", endpoint("Alpha", "ann"))
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, err := svc.Post(ctx, "busy", endpoint("Alpha", "ann"), fmt.Sprintf("msg %d", i), KindMessage)
		require.NoError(t, err)
	}

	history, err := svc.History(ctx, "busy", 0)
	require.NoError(t, err)
	require.Len(t, history, 5)
	// Oldest first, holding only the most recent five posts.
	assert.Equal(t, "msg 15", history[0].Content)
	assert.Equal(t, "msg 19", history[4].Content)
}

func TestBanBlocksJoinAndPost(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Options{})

	// First joiner becomes moderator.
	_, err := svc.Join(ctx, "gossip", endpoint("Alpha", "ann"))
	require.NoError(t, err)
	_, err = svc.Join(ctx, "gossip", endpoint("Beta", "bob"))
	require.NoError(t, err)

	require.NoError(t, svc.Ban(ctx, "gossip", endpoint("Alpha", "ann"), endpoint("Beta", "bob")))

	members, err := svc.Members(ctx, "gossip")
	require.NoError(t, err)
	assert.Len(t, members, 1)

	_, err = svc.Join(ctx, "gossip", endpoint("Beta", "bob"))
	require.Error(t, err)
	assert.Equal(t, protocol.ErrCodeUnauthorized, protocol.WireCode(err))

	_, err = svc.Post(ctx, "gossip", endpoint("Beta", "bob"), "hi", KindMessage)
	require.Error(t, err)
	assert.Equal(t, protocol.ErrCodeUnauthorized, protocol.WireCode(err))

	require.NoError(t, svc.Unban(ctx, "gossip", endpoint("Alpha", "ann"), endpoint("Beta", "bob")))
	_, err = svc.Join(ctx, "gossip", endpoint("Beta", "bob"))
	assert.NoError(t, err)
}

func TestBanRequiresModerator(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Options{})

	_, err := svc.Join(ctx, "gossip", endpoint("Alpha", "ann"))
	require.NoError(t, err)
	_, err = svc.Join(ctx, "gossip", endpoint("Beta", "bob"))
	require.NoError(t, err)

	err = svc.Ban(ctx, "gossip", endpoint("Beta", "bob"), endpoint("Alpha", "ann"))
	require.Error(t, err)
	assert.Equal(t, protocol.ErrCodeUnauthorized, protocol.WireCode(err))
}

func TestAllowListRestrictsMuds(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Options{})

	_, err := svc.Join(ctx, "private", endpoint("Alpha", "ann"))
	require.NoError(t, err)

	meta, err := svc.meta(ctx, "private")
	require.NoError(t, err)
	meta.AllowedMuds = []string{"Alpha"}
	require.NoError(t, svc.saveMeta(ctx, "private", meta))

	_, err = svc.Join(ctx, "private", endpoint("Beta", "bob"))
	require.Error(t, err)
	assert.Equal(t, protocol.ErrCodeUnauthorized, protocol.WireCode(err))

	_, err = svc.Join(ctx, "private", endpoint("Alpha", "al"))
	assert.NoError(t, err)
}

func TestMemberMudsDeduplicates(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Options{})

	_, err := svc.Join(ctx, "gossip", endpoint("Alpha", "ann"))
	require.NoError(t, err)
	_, err = svc.Join(ctx, "gossip", endpoint("Alpha", "al"))
	require.NoError(t, err)
	_, err = svc.Join(ctx, "gossip", endpoint("Beta", "bob"))
	require.NoError(t, err)

	muds, err := svc.MemberMuds(ctx, "gossip")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Alpha", "Beta"}, muds)
}

func TestListDirectory(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Options{})

	_, err := svc.Join(ctx, "gossip", endpoint("Alpha", "ann"))
	require.NoError(t, err)
	_, err = svc.Join(ctx, "trade", endpoint("Beta", "bob"))
	require.NoError(t, err)

	infos, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	names := []string{infos[0].Name, infos[1].Name}
	assert.ElementsMatch(t, []string{"gossip", "trade"}, names)
	for _, info := range infos {
		assert.Equal(t, 1, info.Members)
	}
}

func TestRemoteGossipUpdatesMirror(t *testing.T) {
	svc := newTestService(t, Options{})

	svc.ApplyRemoteJoin("gossip", endpoint("Delta", "dan"))
	assert.True(t, svc.cacheHas("gossip", "Delta:dan"))

	svc.ApplyRemoteLeave("gossip", endpoint("Delta", "dan"))
	assert.False(t, svc.cacheHas("gossip", "Delta:dan"))
}
