// Package presence is the user registry: who is online where, fed by
// presence envelopes and read by locate queries.
package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/mudvault/mesh/internal/store"
	"github.com/mudvault/mesh/pkg/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// defaultTTL expires presence records that stop being refreshed, so a
// crashed gateway cannot leave users online forever.
const defaultTTL = time.Hour

// Record is one user's presence document.
type Record struct {
	Mud       string                  `json:"mud"`
	User      string                  `json:"user"`
	Status    protocol.PresenceStatus `json:"status"`
	Activity  string                  `json:"activity,omitempty"`
	Location  string                  `json:"location,omitempty"`
	UpdatedAt time.Time               `json:"updatedAt"`
}

// Online reports whether the record counts as present.
func (r Record) Online() bool {
	return r.Status != protocol.PresenceOffline
}

// cached wraps a record with ownership: owned records belong to MUDs homed
// on this gateway and are re-written to the store after an outage.
type cached struct {
	Record
	owned bool
}

// Registry tracks presence in the shared store with a local mirror that
// keeps locate working while the store is unreachable.
type Registry struct {
	store     *store.Store
	log       zerolog.Logger
	gatewayID string
	ttl       time.Duration

	mu    sync.RWMutex
	local map[string]cached
}

// NewRegistry builds the registry. gatewayID stamps gossip frames so other
// instances can tell theirs from ours.
func NewRegistry(st *store.Store, gatewayID string, logger zerolog.Logger) *Registry {
	return &Registry{
		store:     st,
		log:       logger.With().Str("component", "presence").Logger(),
		gatewayID: gatewayID,
		ttl:       defaultTTL,
		local:     make(map[string]cached),
	}
}

func cacheKey(mud, user string) string {
	return fmt.Sprintf("%s:%s", mud, user)
}

// Update applies a presence envelope from a locally connected MUD. Offline
// removes the record; anything else upserts it with a fresh TTL. The change
// is gossiped to sibling gateways either way.
func (r *Registry) Update(ctx context.Context, from protocol.Endpoint, p *protocol.PresencePayload) error {
	if from.User == "" {
		return fmt.Errorf("presence update without from.user")
	}

	rec := Record{
		Mud:       from.Mud,
		User:      from.User,
		Status:    p.Status,
		Activity:  p.Activity,
		Location:  p.Location,
		UpdatedAt: time.Now().UTC(),
	}

	if err := r.apply(ctx, rec, true); err != nil {
		return err
	}

	r.gossip(ctx, rec)
	return nil
}

// ApplyRemote folds a record gossiped by another gateway into the local
// mirror. The store already holds it; only the cache needs updating.
func (r *Registry) ApplyRemote(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := cacheKey(rec.Mud, rec.User)
	if !rec.Online() {
		delete(r.local, key)
		return
	}
	r.local[key] = cached{Record: rec}
}

// apply writes through to the store and mirror.
func (r *Registry) apply(ctx context.Context, rec Record, owned bool) error {
	key := cacheKey(rec.Mud, rec.User)

	r.mu.Lock()
	if rec.Online() {
		r.local[key] = cached{Record: rec, owned: owned}
	} else {
		delete(r.local, key)
	}
	r.mu.Unlock()

	storeKey := r.store.KeyPresence(rec.Mud, rec.User)
	if !rec.Online() {
		return r.store.Del(ctx, storeKey)
	}

	doc, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, storeKey, string(doc), r.ttl)
}

func (r *Registry) gossip(ctx context.Context, rec Record) {
	doc, err := json.Marshal(rec)
	if err != nil {
		return
	}
	err = r.store.PublishEvent(ctx, store.Event{
		Type:   store.EventPresence,
		Origin: r.gatewayID,
		Mud:    rec.Mud,
		User:   rec.User,
		Data:   doc,
	})
	if err != nil {
		r.log.Warn().Err(err).Str("mud", rec.Mud).Str("user", rec.User).Msg("Failed to gossip presence")
	}
}

// DecodeRecord parses a gossiped presence document.
func DecodeRecord(data []byte) (Record, error) {
	var rec Record
	err := json.Unmarshal(data, &rec)
	return rec, err
}

// Get reads one record from the local mirror.
func (r *Registry) Get(mud, user string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.local[cacheKey(mud, user)]
	return c.Record, ok
}

// Locate answers a locate query: every mesh location the user is known at.
// The shared store is authoritative; when it is unreachable the local
// mirror still answers for recently seen users.
func (r *Registry) Locate(ctx context.Context, user string) []protocol.UserLocation {
	found := make(map[string]protocol.UserLocation)

	keys, err := r.store.ScanKeys(ctx, r.store.PresencePattern(user))
	if err != nil {
		r.log.Warn().Err(err).Str("user", user).Msg("Locate degraded to local mirror")
	} else {
		for _, key := range keys {
			doc, err := r.store.Get(ctx, key)
			if err != nil {
				continue
			}
			rec, err := DecodeRecord([]byte(doc))
			if err != nil || rec.User != user {
				continue
			}
			found[rec.Mud] = locationOf(rec)
		}
	}

	r.mu.RLock()
	for _, c := range r.local {
		if c.User != user {
			continue
		}
		if _, ok := found[c.Mud]; !ok {
			found[c.Mud] = locationOf(c.Record)
		}
	}
	r.mu.RUnlock()

	locations := make([]protocol.UserLocation, 0, len(found))
	for _, loc := range found {
		locations = append(locations, loc)
	}
	sort.Slice(locations, func(i, j int) bool { return locations[i].Mud < locations[j].Mud })

	return locations
}

func locationOf(rec Record) protocol.UserLocation {
	return protocol.UserLocation{
		Mud:    rec.Mud,
		Online: rec.Online(),
		Room:   rec.Location,
	}
}

// OfflineAll marks every user of a disconnecting MUD offline, in the store
// and the mirror, and gossips each change. Returns how many users went
// offline.
func (r *Registry) OfflineAll(ctx context.Context, mud string) int {
	r.mu.Lock()
	var users []string
	for _, c := range r.local {
		if c.Mud == mud {
			users = append(users, c.User)
		}
	}
	r.mu.Unlock()

	for _, user := range users {
		rec := Record{
			Mud:       mud,
			User:      user,
			Status:    protocol.PresenceOffline,
			UpdatedAt: time.Now().UTC(),
		}
		if err := r.apply(ctx, rec, true); err != nil {
			r.log.Warn().Err(err).Str("mud", mud).Str("user", user).Msg("Failed to mark user offline")
		}
		r.gossip(ctx, rec)
	}

	return len(users)
}

// OnlineCount reports how many users a MUD has in the mirror.
func (r *Registry) OnlineCount(mud string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, c := range r.local {
		if c.Mud == mud && c.Online() {
			n++
		}
	}
	return n
}

// Reconcile re-writes every owned record to the store. Wired to the store's
// recovery hook: records written during an outage only exist in the mirror
// until this runs.
func (r *Registry) Reconcile(ctx context.Context) {
	r.mu.RLock()
	owned := make([]Record, 0)
	for _, c := range r.local {
		if c.owned {
			owned = append(owned, c.Record)
		}
	}
	r.mu.RUnlock()

	for _, rec := range owned {
		rec.UpdatedAt = time.Now().UTC()
		if err := r.apply(ctx, rec, true); err != nil {
			r.log.Warn().Err(err).Str("mud", rec.Mud).Str("user", rec.User).Msg("Failed to reconcile presence record")
		}
	}

	if len(owned) > 0 {
		r.log.Info().Int("records", len(owned)).Msg("Reconciled presence records after store recovery")
	}
}
