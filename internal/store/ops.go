package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Key layout shared by every gateway instance. Changing any of these isolates
// the instance from the rest of the mesh.

func (s *Store) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return fmt.Sprintf("%s:%s", s.prefix, name)
}

// KeyConnectedMuds is the set of MUD names live anywhere on the mesh.
func (s *Store) KeyConnectedMuds() string { return s.key("connected_muds") }

// KeyMudInfo holds the metadata document for one connected MUD.
func (s *Store) KeyMudInfo(mud string) string { return s.key(fmt.Sprintf("mud_info:%s", mud)) }

// KeyChannelMembers is the membership set for one channel.
func (s *Store) KeyChannelMembers(channel string) string {
	return s.key(fmt.Sprintf("channel:%s:members", channel))
}

// KeyChannelHistory is the capped history list for one channel.
func (s *Store) KeyChannelHistory(channel string) string {
	return s.key(fmt.Sprintf("channel:%s:history", channel))
}

// KeyChannelMeta holds the settings document for one channel.
func (s *Store) KeyChannelMeta(channel string) string {
	return s.key(fmt.Sprintf("channel:%s:meta", channel))
}

// KeyPresence holds the presence document for one user, expiring unless
// refreshed.
func (s *Store) KeyPresence(mud, user string) string {
	return s.key(fmt.Sprintf("presence:%s:%s", mud, user))
}

// PresencePattern matches every presence key for the given user.
func (s *Store) PresencePattern(user string) string {
	return s.key(fmt.Sprintf("presence:*:%s", user))
}

// RouteChannel is the pub/sub channel carrying envelopes for a MUD homed
// on another gateway.
func (s *Store) RouteChannel(mud string) string { return s.key(fmt.Sprintf("route:%s", mud)) }

// EventsChannel is the pub/sub channel carrying cache-invalidation gossip
// between gateways.
func (s *Store) EventsChannel() string { return s.key("events") }

// KeyOutbound is the list admin tooling pushes envelopes onto for delivery.
func (s *Store) KeyOutbound() string { return s.key("outbound_messages") }

// KeyAPIKeyHash holds the bcrypt hash of a MUD's API key.
func (s *Store) KeyAPIKeyHash(mud string) string { return s.key(fmt.Sprintf("auth:apikey:%s", mud)) }

// KeyRevokedToken marks a bearer token id as revoked until it would have
// expired anyway.
func (s *Store) KeyRevokedToken(jti string) string {
	return s.key(fmt.Sprintf("auth:revoked:%s", jti))
}

// Get fetches a string value. ErrNotFound when missing.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", ErrStoreUnavailable
	}
	return v, nil
}

// Set stores a string value. A zero ttl means no expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.write(ctx, "set", func(ctx context.Context) error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
}

// Del removes keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.write(ctx, "del", func(ctx context.Context) error {
		return s.client.Del(ctx, keys...).Err()
	})
}

// SAdd adds members to a set.
func (s *Store) SAdd(ctx context.Context, key string, members ...interface{}) error {
	return s.write(ctx, "sadd", func(ctx context.Context) error {
		return s.client.SAdd(ctx, key, members...).Err()
	})
}

// SRem removes members from a set.
func (s *Store) SRem(ctx context.Context, key string, members ...interface{}) error {
	return s.write(ctx, "srem", func(ctx context.Context) error {
		return s.client.SRem(ctx, key, members...).Err()
	})
}

// SMembers lists a set.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, ErrStoreUnavailable
	}
	return v, nil
}

// SIsMember reports set membership.
func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	v, err := s.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, ErrStoreUnavailable
	}
	return v, nil
}

// PushCapped prepends a value to a list and trims it to limit in the same
// call so the cap can never drift from the write path.
func (s *Store) PushCapped(ctx context.Context, key, value string, limit int64) error {
	return s.write(ctx, "push_capped", func(ctx context.Context) error {
		if err := s.client.LPush(ctx, key, value).Err(); err != nil {
			return err
		}
		return s.client.LTrim(ctx, key, 0, limit-1).Err()
	})
}

// LRange reads a slice of a list.
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, ErrStoreUnavailable
	}
	return v, nil
}

// RPush appends a value to a list.
func (s *Store) RPush(ctx context.Context, key, value string) error {
	return s.write(ctx, "rpush", func(ctx context.Context) error {
		return s.client.RPush(ctx, key, value).Err()
	})
}

// BRPop pops the tail of a list, blocking up to timeout. ErrNotFound when
// the wait expired with nothing to pop.
func (s *Store) BRPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	v, err := s.client.BRPop(ctx, timeout, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", ErrStoreUnavailable
	}
	// BRPop returns [key, value].
	if len(v) != 2 {
		return "", ErrNotFound
	}
	return v[1], nil
}

// ScanKeys lists keys matching the pattern using incremental scans.
func (s *Store) ScanKeys(ctx context.Context, match string) ([]string, error) {
	var keys []string

	iter := s.client.Scan(ctx, 0, match, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, ErrStoreUnavailable
	}

	return keys, nil
}

// Publish fans a payload out to a pub/sub channel. Publishes are not
// buffered during outages; cross-gateway traffic is only meaningful live.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return ErrStoreUnavailable
	}
	return nil
}

// Subscribe opens a pub/sub subscription. The library maintains it on a
// dedicated connection and resubscribes after interruptions.
func (s *Store) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return s.client.Subscribe(ctx, channels...)
}
