package protocol

import (
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

// MessageType discriminates the payload carried by an envelope.
type MessageType string

// All message types the gateway understands. The set is closed; anything
// else fails validation.
const (
	MessageTypeTell     MessageType = "tell"
	MessageTypeEmote    MessageType = "emote"
	MessageTypeEmoteTo  MessageType = "emoteto"
	MessageTypeChannel  MessageType = "channel"
	MessageTypeWho      MessageType = "who"
	MessageTypeFinger   MessageType = "finger"
	MessageTypeLocate   MessageType = "locate"
	MessageTypePresence MessageType = "presence"
	MessageTypeAuth     MessageType = "auth"
	MessageTypePing     MessageType = "ping"
	MessageTypePong     MessageType = "pong"
	MessageTypeError    MessageType = "error"

	// Directory extensions.
	MessageTypeMudlist  MessageType = "mudlist"
	MessageTypeChannels MessageType = "channels"
)

var knownTypes = map[MessageType]bool{
	MessageTypeTell:     true,
	MessageTypeEmote:    true,
	MessageTypeEmoteTo:  true,
	MessageTypeChannel:  true,
	MessageTypeWho:      true,
	MessageTypeFinger:   true,
	MessageTypeLocate:   true,
	MessageTypePresence: true,
	MessageTypeAuth:     true,
	MessageTypePing:     true,
	MessageTypePong:     true,
	MessageTypeError:    true,
	MessageTypeMudlist:  true,
	MessageTypeChannels: true,
}

// Valid reports whether t is part of the closed type enum.
func (t MessageType) Valid() bool {
	return knownTypes[t]
}

// BroadcastMud is the destination MUD name meaning "every connected MUD".
const BroadcastMud = "*"

// GatewayMud is the endpoint name the gateway itself answers as.
const GatewayMud = "Gateway"

// GatewayEndpoint returns the endpoint the gateway speaks from.
func GatewayEndpoint() Endpoint {
	return Endpoint{Mud: GatewayMud}
}

// Endpoint identifies one side of a message: a MUD, optionally narrowed to
// a user or a channel.
type Endpoint struct {
	Mud         string `json:"mud"`
	User        string `json:"user,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Channel     string `json:"channel,omitempty"`
}

// IsBroadcast reports whether the endpoint addresses every connected MUD.
func (e Endpoint) IsBroadcast() bool {
	return e.Mud == BroadcastMud && e.Channel == ""
}

// Metadata carries per-message delivery options.
type Metadata struct {
	Priority int    `json:"priority"`
	TTL      int    `json:"ttl"`
	Encoding string `json:"encoding"`
	Language string `json:"language"`
	Retry    bool   `json:"retry,omitempty"`
}

// Normalize fills unset metadata fields with protocol defaults.
func (m *Metadata) Normalize() {
	if m.Priority == 0 {
		m.Priority = 5
	}
	if m.TTL == 0 {
		m.TTL = 300
	}
	if m.Encoding == "" {
		m.Encoding = "utf-8"
	}
	if m.Language == "" {
		m.Language = "en"
	}
}

// Message is one MudVault Mesh envelope. Payload stays raw until the type
// is known; DecodePayload materializes the typed variant.
type Message struct {
	Version   string              `json:"version"`
	ID        string              `json:"id"`
	Timestamp time.Time           `json:"timestamp"`
	Type      MessageType         `json:"type"`
	From      Endpoint            `json:"from"`
	To        Endpoint            `json:"to"`
	Payload   jsoniter.RawMessage `json:"payload"`
	Signature string              `json:"signature,omitempty"`
	Metadata  Metadata            `json:"metadata"`

	// Materialized payload variant, filled by Decode.
	Decoded Payload `json:"-"`
}

// NewMessage builds an envelope of the given type with a fresh id, the
// current UTC timestamp and default metadata.
func NewMessage(t MessageType, from Endpoint, to Endpoint, payload interface{}) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	m := &Message{
		Version:   Version,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      t,
		From:      from,
		To:        to,
		Payload:   raw,
	}
	m.Metadata.Normalize()
	if p, ok := payload.(Payload); ok {
		m.Decoded = p
	}

	return m, nil
}

// Expired reports whether the envelope has outlived its TTL at the given
// instant.
func (m *Message) Expired(now time.Time) bool {
	if m.Metadata.TTL <= 0 {
		return false
	}
	return now.Sub(m.Timestamp) > time.Duration(m.Metadata.TTL)*time.Second
}

// Age returns how long ago the envelope was stamped.
func (m *Message) Age(now time.Time) time.Duration {
	return now.Sub(m.Timestamp)
}

// NewTell builds a direct user-to-user message.
func NewTell(from Endpoint, to Endpoint, text string) (*Message, error) {
	return NewMessage(MessageTypeTell, from, to, &TellPayload{Message: text})
}

// NewEmote builds an emote shown to everyone at the destination MUD.
func NewEmote(from Endpoint, toMud string, action string) (*Message, error) {
	return NewMessage(MessageTypeEmote, from, Endpoint{Mud: toMud}, &EmotePayload{Action: action})
}

// NewChannelMessage builds a channel post. Channel traffic addresses every
// gateway, narrowed by the channel name.
func NewChannelMessage(from Endpoint, channel string, text string) (*Message, error) {
	to := Endpoint{Mud: BroadcastMud, Channel: channel}
	payload := &ChannelPayload{Channel: channel, Message: text, Action: ChannelActionMessage}
	return NewMessage(MessageTypeChannel, from, to, payload)
}

// NewChannelAction builds a join/leave/list request for a channel.
func NewChannelAction(from Endpoint, channel string, action ChannelAction) (*Message, error) {
	to := Endpoint{Mud: BroadcastMud, Channel: channel}
	return NewMessage(MessageTypeChannel, from, to, &ChannelPayload{Channel: channel, Action: action})
}

// NewWhoRequest asks a MUD for its online user list.
func NewWhoRequest(from Endpoint, targetMud string) (*Message, error) {
	return NewMessage(MessageTypeWho, from, Endpoint{Mud: targetMud}, &WhoPayload{Request: true})
}

// NewFingerRequest asks a MUD for details about one user.
func NewFingerRequest(from Endpoint, targetMud string, user string) (*Message, error) {
	return NewMessage(MessageTypeFinger, from, Endpoint{Mud: targetMud}, &FingerPayload{User: user, Request: true})
}

// NewLocateRequest asks the mesh where a user is online.
func NewLocateRequest(from Endpoint, user string) (*Message, error) {
	return NewMessage(MessageTypeLocate, from, Endpoint{Mud: BroadcastMud}, &LocatePayload{User: user, Request: true})
}

// NewPing builds a liveness probe stamped with the current epoch millis.
func NewPing(from Endpoint, to Endpoint) (*Message, error) {
	return NewMessage(MessageTypePing, from, to, &PingPayload{Timestamp: time.Now().UnixMilli()})
}

// NewPong builds the reply to a ping, echoing its timestamp.
func NewPong(from Endpoint, to Endpoint, echo int64) (*Message, error) {
	return NewMessage(MessageTypePong, from, to, &PingPayload{Timestamp: echo})
}

// NewError builds an error envelope addressed to the offending sender.
func NewError(from Endpoint, to Endpoint, code ErrorCode, detail map[string]interface{}) (*Message, error) {
	payload := &ErrorPayload{Code: code, Message: code.String(), Details: detail}
	return NewMessage(MessageTypeError, from, to, payload)
}
