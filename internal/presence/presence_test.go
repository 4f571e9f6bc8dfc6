package presence

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mudvault/mesh/internal/store"
	"github.com/mudvault/mesh/pkg/protocol"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := store.NewWithClient(client, "", zerolog.Nop())
	return NewRegistry(st, "gw-test", zerolog.Nop()), st
}

func TestUpdateAndGet(t *testing.T) {
	ctx := context.Background()
	reg, st := newTestRegistry(t)

	err := reg.Update(ctx, protocol.Endpoint{Mud: "Alpha", User: "ann"}, &protocol.PresencePayload{
		Status:   protocol.PresenceOnline,
		Activity: "fighting a dragon",
		Location: "The Azure Keep",
	})
	require.NoError(t, err)

	rec, ok := reg.Get("Alpha", "ann")
	require.True(t, ok)
	assert.Equal(t, protocol.PresenceOnline, rec.Status)
	assert.Equal(t, "fighting a dragon", rec.Activity)

	// The document landed in the shared store too.
	doc, err := st.Get(ctx, st.KeyPresence("Alpha", "ann"))
	require.NoError(t, err)
	stored, err := DecodeRecord([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "The Azure Keep", stored.Location)
}

func TestUpdateRequiresUser(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	err := reg.Update(ctx, protocol.Endpoint{Mud: "Alpha"}, &protocol.PresencePayload{Status: protocol.PresenceOnline})
	assert.Error(t, err)
}

func TestOfflineRemovesRecord(t *testing.T) {
	ctx := context.Background()
	reg, st := newTestRegistry(t)
	from := protocol.Endpoint{Mud: "Alpha", User: "ann"}

	require.NoError(t, reg.Update(ctx, from, &protocol.PresencePayload{Status: protocol.PresenceOnline}))
	require.NoError(t, reg.Update(ctx, from, &protocol.PresencePayload{Status: protocol.PresenceOffline}))

	_, ok := reg.Get("Alpha", "ann")
	assert.False(t, ok)

	_, err := st.Get(ctx, st.KeyPresence("Alpha", "ann"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLocateAcrossMuds(t *testing.T) {
	ctx := context.Background()
	reg, st := newTestRegistry(t)

	require.NoError(t, reg.Update(ctx, protocol.Endpoint{Mud: "Alpha", User: "ann"}, &protocol.PresencePayload{
		Status:   protocol.PresenceOnline,
		Location: "town square",
	}))

	// A record written by some other gateway exists only in the store.
	doc := `{"mud":"Gamma","user":"ann","status":"away","updatedAt":"2026-01-01T00:00:00Z"}`
	require.NoError(t, st.Set(ctx, st.KeyPresence("Gamma", "ann"), doc, 0))

	locations := reg.Locate(ctx, "ann")
	require.Len(t, locations, 2)
	assert.Equal(t, "Alpha", locations[0].Mud)
	assert.Equal(t, "town square", locations[0].Room)
	assert.True(t, locations[0].Online)
	assert.Equal(t, "Gamma", locations[1].Mud)
	assert.True(t, locations[1].Online, "away still counts as online")

	assert.Empty(t, reg.Locate(ctx, "nobody"))
}

func TestApplyRemoteOnlyTouchesMirror(t *testing.T) {
	reg, _ := newTestRegistry(t)

	reg.ApplyRemote(Record{Mud: "Beta", User: "bob", Status: protocol.PresenceBusy})
	rec, ok := reg.Get("Beta", "bob")
	require.True(t, ok)
	assert.Equal(t, protocol.PresenceBusy, rec.Status)

	reg.ApplyRemote(Record{Mud: "Beta", User: "bob", Status: protocol.PresenceOffline})
	_, ok = reg.Get("Beta", "bob")
	assert.False(t, ok)
}

func TestOfflineAll(t *testing.T) {
	ctx := context.Background()
	reg, st := newTestRegistry(t)

	require.NoError(t, reg.Update(ctx, protocol.Endpoint{Mud: "Alpha", User: "ann"}, &protocol.PresencePayload{Status: protocol.PresenceOnline}))
	require.NoError(t, reg.Update(ctx, protocol.Endpoint{Mud: "Alpha", User: "abe"}, &protocol.PresencePayload{Status: protocol.PresenceAway}))
	require.NoError(t, reg.Update(ctx, protocol.Endpoint{Mud: "Beta", User: "bob"}, &protocol.PresencePayload{Status: protocol.PresenceOnline}))

	n := reg.OfflineAll(ctx, "Alpha")
	assert.Equal(t, 2, n)

	assert.Zero(t, reg.OnlineCount("Alpha"))
	assert.Equal(t, 1, reg.OnlineCount("Beta"))

	_, err := st.Get(ctx, st.KeyPresence("Alpha", "ann"))
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = st.Get(ctx, st.KeyPresence("Beta", "bob"))
	assert.NoError(t, err)
}

func TestReconcileRestoresOwnedRecords(t *testing.T) {
	ctx := context.Background()
	reg, st := newTestRegistry(t)

	require.NoError(t, reg.Update(ctx, protocol.Endpoint{Mud: "Alpha", User: "ann"}, &protocol.PresencePayload{Status: protocol.PresenceOnline}))
	reg.ApplyRemote(Record{Mud: "Gamma", User: "gil", Status: protocol.PresenceOnline})

	// Simulate the store losing everything during an outage.
	require.NoError(t, st.Del(ctx, st.KeyPresence("Alpha", "ann")))

	reg.Reconcile(ctx)

	_, err := st.Get(ctx, st.KeyPresence("Alpha", "ann"))
	assert.NoError(t, err, "owned record restored")

	_, err = st.Get(ctx, st.KeyPresence("Gamma", "gil"))
	assert.ErrorIs(t, err, store.ErrNotFound, "remote records are not ours to restore")
}
