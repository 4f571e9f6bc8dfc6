// Package channels implements shared chat channels: membership, moderation,
// bounded history and the member lists the router fans messages out to.
package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/mudvault/mesh/internal/store"
	"github.com/mudvault/mesh/pkg/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultHistoryLength = 100

// Record kinds stored in channel history.
const (
	KindMessage = "message"
	KindEmote   = "emote"
	KindJoin    = "join"
	KindLeave   = "leave"
)

// ErrNotMember marks posts that need membership under the join-required
// policy.
var ErrNotMember = errors.New("not a channel member")

// Options configures the channel service.
type Options struct {
	// HistoryLength caps each channel's history list.
	HistoryLength int64 `json:"history_length"`

	// JoinRequired rejects posts from non-members when set. The default
	// lets any authenticated MUD post to public channels.
	JoinRequired bool `json:"join_required"`
}

// Meta is the channel settings document.
type Meta struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Moderators  []string  `json:"moderators,omitempty"`
	Banned      []string  `json:"banned,omitempty"`
	AllowedMuds []string  `json:"allowedMuds,omitempty"`
	Flags       uint32    `json:"flags,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// HistoryRecord is one entry in a channel's bounded history.
type HistoryRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Mud       string    `json:"mud"`
	User      string    `json:"user,omitempty"`
	Content   string    `json:"content,omitempty"`
	Kind      string    `json:"kind"`
}

// Service manages channels in the shared store with a local membership
// mirror for degraded reads.
type Service struct {
	store     *store.Store
	log       zerolog.Logger
	gatewayID string

	historyLength int64
	joinRequired  bool

	mu      sync.RWMutex
	members map[string]map[string]bool
}

// NewService builds the channel service.
func NewService(st *store.Store, gatewayID string, opts Options, logger zerolog.Logger) *Service {
	length := opts.HistoryLength
	if length <= 0 {
		length = defaultHistoryLength
	}

	return &Service{
		store:         st,
		log:           logger.With().Str("component", "channels").Logger(),
		gatewayID:     gatewayID,
		historyLength: length,
		joinRequired:  opts.JoinRequired,
		members:       make(map[string]map[string]bool),
	}
}

// EndpointKey flattens an endpoint into the member-set representation.
func EndpointKey(e protocol.Endpoint) string {
	return fmt.Sprintf("%s:%s", e.Mud, e.User)
}

// ParseEndpointKey is the inverse of EndpointKey.
func ParseEndpointKey(key string) (protocol.Endpoint, error) {
	mud, user, ok := strings.Cut(key, ":")
	if !ok || mud == "" {
		return protocol.Endpoint{}, fmt.Errorf("malformed member key %q", key)
	}
	return protocol.Endpoint{Mud: mud, User: user}, nil
}

// Join adds an endpoint to a channel, creating the channel on first join.
// The first joiner becomes a moderator. Banned users and MUDs outside the
// allow list are refused.
func (s *Service) Join(ctx context.Context, channel string, who protocol.Endpoint) (created bool, err error) {
	key := EndpointKey(who)

	meta, err := s.meta(ctx, channel)
	if errors.Is(err, store.ErrNotFound) {
		meta = &Meta{
			Name:       channel,
			Moderators: []string{key},
			CreatedAt:  time.Now().UTC(),
		}
		if err = s.saveMeta(ctx, channel, meta); err != nil {
			return false, err
		}
		created = true
		s.log.Info().Str("channel", channel).Str("by", key).Msg("Channel created")
	} else if err != nil {
		return false, err
	}

	if err := s.admits(meta, who); err != nil {
		return created, err
	}

	already, err := s.store.SIsMember(ctx, s.store.KeyChannelMembers(channel), key)
	if err == nil && already {
		s.cacheAdd(channel, key)
		return created, nil
	}

	if err := s.store.SAdd(ctx, s.store.KeyChannelMembers(channel), key); err != nil {
		return created, err
	}
	s.cacheAdd(channel, key)

	s.appendHistory(ctx, channel, HistoryRecord{
		Timestamp: time.Now().UTC(),
		Mud:       who.Mud,
		User:      who.User,
		Kind:      KindJoin,
	})
	s.gossip(ctx, store.EventChannelJoin, channel, who)

	return created, nil
}

// Leave removes an endpoint from a channel. Leaving a channel you are not
// in is a no-op, not an error; only a real departure lands in history.
func (s *Service) Leave(ctx context.Context, channel string, who protocol.Endpoint) (left bool, err error) {
	key := EndpointKey(who)

	wasMember, err := s.store.SIsMember(ctx, s.store.KeyChannelMembers(channel), key)
	if err != nil {
		wasMember = s.cacheHas(channel, key)
	}
	if !wasMember {
		s.cacheRemove(channel, key)
		return false, nil
	}

	if err := s.store.SRem(ctx, s.store.KeyChannelMembers(channel), key); err != nil {
		return false, err
	}
	s.cacheRemove(channel, key)

	s.appendHistory(ctx, channel, HistoryRecord{
		Timestamp: time.Now().UTC(),
		Mud:       who.Mud,
		User:      who.User,
		Kind:      KindLeave,
	})
	s.gossip(ctx, store.EventChannelLeave, channel, who)

	return true, nil
}

// Post validates a channel message against the channel's policy, appends
// it to history and returns the members to fan out to. The sender is not
// auto-joined.
func (s *Service) Post(ctx context.Context, channel string, from protocol.Endpoint, content, kind string) ([]protocol.Endpoint, error) {
	meta, err := s.meta(ctx, channel)
	if errors.Is(err, store.ErrNotFound) {
		return nil, protocol.WireErrorf(protocol.ErrCodeChannelNotFound, "channel %q does not exist", channel)
	}
	if err != nil {
		return nil, err
	}

	if err := s.admits(meta, from); err != nil {
		return nil, err
	}

	members, err := s.Members(ctx, channel)
	if err != nil {
		return nil, err
	}

	if s.joinRequired && !containsEndpoint(members, from) {
		return nil, protocol.WireErrorf(protocol.ErrCodeUnauthorized, "join %q before posting", channel)
	}

	s.appendHistory(ctx, channel, HistoryRecord{
		Timestamp: time.Now().UTC(),
		Mud:       from.Mud,
		User:      from.User,
		Content:   content,
		Kind:      kind,
	})

	return members, nil
}

// Members lists a channel's members, from the store when reachable and the
// local mirror otherwise.
func (s *Service) Members(ctx context.Context, channel string) ([]protocol.Endpoint, error) {
	keys, err := s.store.SMembers(ctx, s.store.KeyChannelMembers(channel))
	if err != nil {
		s.log.Warn().Err(err).Str("channel", channel).Msg("Member read degraded to local mirror")
		keys = s.cacheMembers(channel)
	} else {
		s.cacheReplace(channel, keys)
	}

	endpoints := make([]protocol.Endpoint, 0, len(keys))
	for _, key := range keys {
		e, err := ParseEndpointKey(key)
		if err != nil {
			continue
		}
		endpoints = append(endpoints, e)
	}
	return endpoints, nil
}

// MemberMuds lists the distinct MUDs with at least one member in the
// channel. The router fans out per MUD, not per user.
func (s *Service) MemberMuds(ctx context.Context, channel string) ([]string, error) {
	members, err := s.Members(ctx, channel)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var muds []string
	for _, m := range members {
		if !seen[m.Mud] {
			seen[m.Mud] = true
			muds = append(muds, m.Mud)
		}
	}
	return muds, nil
}

// History returns up to limit records, oldest first.
func (s *Service) History(ctx context.Context, channel string, limit int64) ([]HistoryRecord, error) {
	if limit <= 0 || limit > s.historyLength {
		limit = s.historyLength
	}

	raw, err := s.store.LRange(ctx, s.store.KeyChannelHistory(channel), 0, limit-1)
	if err != nil {
		return nil, err
	}

	records := make([]HistoryRecord, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var rec HistoryRecord
		if err := json.Unmarshal([]byte(raw[i]), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// List builds the channel directory for channels queries.
func (s *Service) List(ctx context.Context) ([]protocol.ChannelInfo, error) {
	pattern := s.store.KeyChannelMeta("*")
	keys, err := s.store.ScanKeys(ctx, pattern)
	if err != nil {
		return nil, err
	}

	infos := make([]protocol.ChannelInfo, 0, len(keys))
	for _, key := range keys {
		doc, err := s.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var meta Meta
		if err := json.Unmarshal([]byte(doc), &meta); err != nil {
			continue
		}

		members, _ := s.store.SMembers(ctx, s.store.KeyChannelMembers(meta.Name))
		infos = append(infos, protocol.ChannelInfo{
			Name:        meta.Name,
			Description: meta.Description,
			Members:     len(members),
			Flags:       meta.Flags,
		})
	}
	return infos, nil
}

// Ban adds a member key to the channel's ban list and evicts it. Only
// moderators may ban.
func (s *Service) Ban(ctx context.Context, channel string, actor protocol.Endpoint, target protocol.Endpoint) error {
	meta, err := s.meta(ctx, channel)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return protocol.WireErrorf(protocol.ErrCodeChannelNotFound, "channel %q does not exist", channel)
		}
		return err
	}

	if !s.isModerator(meta, actor) {
		return protocol.WireErrorf(protocol.ErrCodeUnauthorized, "only moderators can ban")
	}

	key := EndpointKey(target)
	for _, banned := range meta.Banned {
		if banned == key {
			return nil
		}
	}
	meta.Banned = append(meta.Banned, key)

	if err := s.saveMeta(ctx, channel, meta); err != nil {
		return err
	}

	if _, err := s.Leave(ctx, channel, target); err != nil {
		return err
	}

	s.log.Info().Str("channel", channel).Str("target", key).Str("by", EndpointKey(actor)).Msg("Channel ban")
	return nil
}

// Unban removes a member key from the ban list.
func (s *Service) Unban(ctx context.Context, channel string, actor protocol.Endpoint, target protocol.Endpoint) error {
	meta, err := s.meta(ctx, channel)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return protocol.WireErrorf(protocol.ErrCodeChannelNotFound, "channel %q does not exist", channel)
		}
		return err
	}

	if !s.isModerator(meta, actor) {
		return protocol.WireErrorf(protocol.ErrCodeUnauthorized, "only moderators can unban")
	}

	key := EndpointKey(target)
	kept := meta.Banned[:0]
	for _, banned := range meta.Banned {
		if banned != key {
			kept = append(kept, banned)
		}
	}
	meta.Banned = kept

	return s.saveMeta(ctx, channel, meta)
}

// ApplyRemoteJoin folds a join gossiped by another gateway into the mirror.
func (s *Service) ApplyRemoteJoin(channel string, who protocol.Endpoint) {
	s.cacheAdd(channel, EndpointKey(who))
}

// ApplyRemoteLeave folds a leave gossiped by another gateway into the
// mirror.
func (s *Service) ApplyRemoteLeave(channel string, who protocol.Endpoint) {
	s.cacheRemove(channel, EndpointKey(who))
}

// admits checks bans and the allow list.
func (s *Service) admits(meta *Meta, who protocol.Endpoint) error {
	key := EndpointKey(who)
	for _, banned := range meta.Banned {
		if banned == key || banned == who.Mud {
			return protocol.WireErrorf(protocol.ErrCodeUnauthorized, "banned from %q", meta.Name)
		}
	}

	if len(meta.AllowedMuds) > 0 {
		allowed := false
		for _, mud := range meta.AllowedMuds {
			if mud == who.Mud {
				allowed = true
				break
			}
		}
		if !allowed {
			return protocol.WireErrorf(protocol.ErrCodeUnauthorized, "%q is not open to %s", meta.Name, who.Mud)
		}
	}

	return nil
}

func (s *Service) isModerator(meta *Meta, who protocol.Endpoint) bool {
	key := EndpointKey(who)
	for _, mod := range meta.Moderators {
		if mod == key {
			return true
		}
	}
	return false
}

func (s *Service) meta(ctx context.Context, channel string) (*Meta, error) {
	doc, err := s.store.Get(ctx, s.store.KeyChannelMeta(channel))
	if err != nil {
		return nil, err
	}
	meta := &Meta{}
	if err := json.Unmarshal([]byte(doc), meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func (s *Service) saveMeta(ctx context.Context, channel string, meta *Meta) error {
	doc, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, s.store.KeyChannelMeta(channel), string(doc), 0)
}

// appendHistory pushes one record onto the capped history list. History is
// best effort; a failed append never blocks delivery.
func (s *Service) appendHistory(ctx context.Context, channel string, rec HistoryRecord) {
	doc, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := s.store.PushCapped(ctx, s.store.KeyChannelHistory(channel), string(doc), s.historyLength); err != nil {
		s.log.Warn().Err(err).Str("channel", channel).Msg("Failed to append channel history")
	}
}

func (s *Service) gossip(ctx context.Context, eventType, channel string, who protocol.Endpoint) {
	err := s.store.PublishEvent(ctx, store.Event{
		Type:    eventType,
		Origin:  s.gatewayID,
		Mud:     who.Mud,
		User:    who.User,
		Channel: channel,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("channel", channel).Msg("Failed to gossip channel event")
	}
}

func (s *Service) cacheAdd(channel, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[channel] == nil {
		s.members[channel] = make(map[string]bool)
	}
	s.members[channel][key] = true
}

func (s *Service) cacheRemove(channel, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[channel], key)
}

func (s *Service) cacheHas(channel, key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.members[channel][key]
}

func (s *Service) cacheMembers(channel string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.members[channel]))
	for key := range s.members[channel] {
		keys = append(keys, key)
	}
	return keys
}

func (s *Service) cacheReplace(channel string, keys []string) {
	set := make(map[string]bool, len(keys))
	for _, key := range keys {
		set[key] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[channel] = set
}

func containsEndpoint(members []protocol.Endpoint, e protocol.Endpoint) bool {
	for _, m := range members {
		if m.Mud == e.Mud && m.User == e.User {
			return true
		}
	}
	return false
}
