package store

import (
	"context"

	"github.com/vmihailenco/msgpack/v5"
)

// Gossip event types exchanged on the events channel.
const (
	EventPresence      = "presence"
	EventChannelJoin   = "channel_join"
	EventChannelLeave  = "channel_leave"
	EventMudConnect    = "mud_connect"
	EventMudDisconnect = "mud_disconnect"
)

// Event is one cache-invalidation gossip frame between gateway instances.
// Origin carries the publishing gateway's id so instances can skip their
// own frames.
type Event struct {
	Type    string `msgpack:"t"`
	Origin  string `msgpack:"o"`
	Mud     string `msgpack:"m,omitempty"`
	User    string `msgpack:"u,omitempty"`
	Channel string `msgpack:"c,omitempty"`
	Data    []byte `msgpack:"d,omitempty"`
}

// PublishEvent fans a gossip frame out to every gateway instance.
func (s *Store) PublishEvent(ctx context.Context, e Event) error {
	payload, err := msgpack.Marshal(e)
	if err != nil {
		return err
	}
	return s.Publish(ctx, s.EventsChannel(), payload)
}

// DecodeEvent parses a gossip frame.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	err := msgpack.Unmarshal(data, &e)
	return e, err
}
