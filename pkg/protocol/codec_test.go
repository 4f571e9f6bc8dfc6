package protocol

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(t *testing.T, typ, payload string) []byte {
	t.Helper()
	return []byte(fmt.Sprintf(`{
		"version": "1.0",
		"id": %q,
		"timestamp": %q,
		"type": %q,
		"from": {"mud": "Alpha", "user": "ann"},
		"to": {"mud": "Beta", "user": "bob"},
		"payload": %s,
		"metadata": {"priority": 5, "ttl": 300, "encoding": "utf-8", "language": "en"}
	}`, uuid.New().String(), time.Now().UTC().Format(time.RFC3339Nano), typ, payload))
}

func TestDecodeTellRoundTrip(t *testing.T) {
	msg, err := NewTell(
		Endpoint{Mud: "Alpha", User: "ann"},
		Endpoint{Mud: "Beta", User: "bob"},
		"hi there",
	)
	require.NoError(t, err)

	data, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, Version, decoded.Version)
	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, MessageTypeTell, decoded.Type)
	assert.Equal(t, "Alpha", decoded.From.Mud)
	assert.Equal(t, "bob", decoded.To.User)

	tell, ok := decoded.Decoded.(*TellPayload)
	require.True(t, ok)
	assert.Equal(t, "hi there", tell.Message)
}

func TestDecodeRejectsUnknownEnvelopeFields(t *testing.T) {
	data := []byte(fmt.Sprintf(`{
		"version": "1.0",
		"id": %q,
		"timestamp": %q,
		"type": "tell",
		"from": {"mud": "Alpha"},
		"to": {"mud": "Beta"},
		"payload": {"message": "hi"},
		"metadata": {},
		"bogus": true
	}`, uuid.New().String(), time.Now().UTC().Format(time.RFC3339Nano)))

	_, err := Decode(data)
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidMessage, WireCode(err))
}

func TestDecodeRejectsUnknownPayloadFields(t *testing.T) {
	_, err := Decode(frame(t, "tell", `{"message": "hi", "shout": true}`))
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidMessage, WireCode(err))
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	data := []byte(fmt.Sprintf(`{
		"version": "2.0",
		"id": %q,
		"timestamp": %q,
		"type": "tell",
		"from": {"mud": "Alpha"},
		"to": {"mud": "Beta"},
		"payload": {"message": "hi"},
		"metadata": {}
	}`, uuid.New().String(), time.Now().UTC().Format(time.RFC3339Nano)))

	_, err := Decode(data)
	require.Error(t, err)
	assert.Equal(t, ErrCodeUnsupportedVersion, WireCode(err))
}

func TestDecodeOversizedFrame(t *testing.T) {
	data := frame(t, "tell", fmt.Sprintf(`{"message": %q}`, strings.Repeat("a", MaxFrameBytes)))

	_, err := Decode(data)
	require.Error(t, err)
	assert.Equal(t, ErrCodeMessageTooLarge, WireCode(err))
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode(frame(t, "shout", `{"message": "hi"}`))
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidMessage, WireCode(err))
}

func TestDecodeBadEnvelopes(t *testing.T) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	id := uuid.New().String()

	tests := []struct {
		name string
		data string
		code ErrorCode
	}{
		{
			name: "not json",
			data: `tell bob hi`,
			code: ErrCodeInvalidMessage,
		},
		{
			name: "id not uuid",
			data: fmt.Sprintf(`{"version":"1.0","id":"42","timestamp":%q,"type":"tell","from":{"mud":"Alpha"},"to":{"mud":"Beta"},"payload":{"message":"hi"},"metadata":{}}`, now),
			code: ErrCodeInvalidMessage,
		},
		{
			name: "missing from mud",
			data: fmt.Sprintf(`{"version":"1.0","id":%q,"timestamp":%q,"type":"tell","from":{},"to":{"mud":"Beta"},"payload":{"message":"hi"},"metadata":{}}`, id, now),
			code: ErrCodeInvalidMessage,
		},
		{
			name: "priority out of range",
			data: fmt.Sprintf(`{"version":"1.0","id":%q,"timestamp":%q,"type":"tell","from":{"mud":"Alpha"},"to":{"mud":"Beta"},"payload":{"message":"hi"},"metadata":{"priority":11}}`, id, now),
			code: ErrCodeInvalidMessage,
		},
		{
			name: "ttl out of range",
			data: fmt.Sprintf(`{"version":"1.0","id":%q,"timestamp":%q,"type":"tell","from":{"mud":"Alpha"},"to":{"mud":"Beta"},"payload":{"message":"hi"},"metadata":{"ttl":4000}}`, id, now),
			code: ErrCodeInvalidMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			require.Error(t, err)
			assert.Equal(t, tt.code, WireCode(err))
		})
	}
}

func TestMetadataDefaults(t *testing.T) {
	data := []byte(fmt.Sprintf(`{
		"version": "1.0",
		"id": %q,
		"timestamp": %q,
		"type": "tell",
		"from": {"mud": "Alpha"},
		"to": {"mud": "Beta"},
		"payload": {"message": "hi"},
		"metadata": {}
	}`, uuid.New().String(), time.Now().UTC().Format(time.RFC3339Nano)))

	msg, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, 5, msg.Metadata.Priority)
	assert.Equal(t, 300, msg.Metadata.TTL)
	assert.Equal(t, "utf-8", msg.Metadata.Encoding)
	assert.Equal(t, "en", msg.Metadata.Language)
	assert.False(t, msg.Metadata.Retry)
}

func TestExpired(t *testing.T) {
	msg, err := NewTell(Endpoint{Mud: "Alpha"}, Endpoint{Mud: "Beta"}, "hi")
	require.NoError(t, err)

	msg.Metadata.TTL = 10
	assert.False(t, msg.Expired(msg.Timestamp.Add(9*time.Second)))
	assert.True(t, msg.Expired(msg.Timestamp.Add(11*time.Second)))
}

func TestAuthPayloadSnakeCaseAlias(t *testing.T) {
	msg, err := Decode(frame(t, "auth", `{"token": "mvk_abc", "mud_name": "Alpha"}`))
	require.NoError(t, err)

	auth, ok := msg.Decoded.(*AuthPayload)
	require.True(t, ok)
	assert.Equal(t, "Alpha", auth.MudName)
	assert.Equal(t, "mvk_abc", auth.Token)
}

func TestAuthPayloadRequiresCredential(t *testing.T) {
	_, err := Decode(frame(t, "auth", `{"mudName": "Alpha"}`))
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidMessage, WireCode(err))
}

func TestPongEchoesPingTimestamp(t *testing.T) {
	ping, err := NewPing(GatewayEndpoint(), Endpoint{Mud: "Alpha"})
	require.NoError(t, err)

	sent, ok := ping.Decoded.(*PingPayload)
	require.True(t, ok)
	assert.Greater(t, sent.Timestamp, int64(0))

	pong, err := NewPong(Endpoint{Mud: "Alpha"}, GatewayEndpoint(), sent.Timestamp)
	require.NoError(t, err)

	echoed := &PingPayload{}
	require.NoError(t, json.Unmarshal(pong.Payload, echoed))
	assert.Equal(t, sent.Timestamp, echoed.Timestamp)
}

func TestChannelPayloadValidation(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"join", `{"channel": "gossip", "action": "join"}`, false},
		{"message", `{"channel": "gossip", "action": "message", "message": "hi"}`, false},
		{"default action needs message", `{"channel": "gossip"}`, true},
		{"bad action", `{"channel": "gossip", "action": "yell", "message": "hi"}`, true},
		{"bad channel name", `{"channel": "gos sip", "action": "join"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(frame(t, "channel", tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSetPayloadKeepsRawAndDecodedInSync(t *testing.T) {
	msg, err := NewTell(Endpoint{Mud: "Alpha"}, Endpoint{Mud: "Beta"}, "hi")
	require.NoError(t, err)

	require.NoError(t, msg.SetPayload(&TellPayload{Message: "replaced"}))

	decoded := &TellPayload{}
	require.NoError(t, json.Unmarshal(msg.Payload, decoded))
	assert.Equal(t, "replaced", decoded.Message)
	assert.Equal(t, msg.Decoded.(*TellPayload).Message, decoded.Message)
}

func TestDecodeRejectsChallengeOnlyAuth(t *testing.T) {
	_, err := Decode(frame(t, "auth", `{"mudName": "Alpha", "challenge": "c1", "response": "r1"}`))
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidMessage, WireCode(err))
	assert.Contains(t, err.Error(), "send a token")
}

func TestDecodeRejectsTokenlessAuth(t *testing.T) {
	_, err := Decode(frame(t, "auth", `{"mudName": "Alpha"}`))
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidMessage, WireCode(err))
	assert.Contains(t, err.Error(), "token is required")
}
