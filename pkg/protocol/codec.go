package protocol

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Decode parses one wire frame into a validated envelope. Validation is
// two-stage: the envelope shape first, then the payload shape selected by
// the type. On success the returned message carries its materialized
// payload in Decoded. Failures are always a *WireError.
func Decode(data []byte) (*Message, error) {
	if len(data) > MaxFrameBytes {
		return nil, &WireError{Code: ErrCodeMessageTooLarge}
	}

	m := &Message{}
	if err := strict.Unmarshal(data, m); err != nil {
		return nil, WireErrorf(ErrCodeInvalidMessage, "malformed envelope: %v", err)
	}

	if err := m.ValidateEnvelope(); err != nil {
		return nil, err
	}

	payload, err := DecodePayload(m)
	if err != nil {
		if errors.Is(err, ErrUnknownType) {
			return nil, WireErrorf(ErrCodeInvalidMessage, "unknown type %q", m.Type)
		}
		return nil, WireErrorf(ErrCodeInvalidMessage, "invalid %s payload: %v", m.Type, err)
	}
	m.Decoded = payload

	return m, nil
}

// ValidateEnvelope checks the outer envelope fields and normalizes the
// metadata. The payload stays untouched.
func (m *Message) ValidateEnvelope() error {
	if m.Version != Version {
		return WireErrorf(ErrCodeUnsupportedVersion, "version %q not supported", m.Version)
	}
	if _, err := uuid.Parse(m.ID); err != nil {
		return NewWireError(ErrCodeInvalidMessage, "id is not a UUID")
	}
	if m.Timestamp.IsZero() {
		return NewWireError(ErrCodeInvalidMessage, "timestamp is required")
	}
	if !m.Type.Valid() {
		return WireErrorf(ErrCodeInvalidMessage, "unknown type %q", m.Type)
	}
	if m.From.Mud == "" {
		return NewWireError(ErrCodeInvalidMessage, "from.mud is required")
	}
	if m.To.Mud == "" {
		return NewWireError(ErrCodeInvalidMessage, "to.mud is required")
	}

	m.Metadata.Normalize()
	if m.Metadata.Priority < 1 || m.Metadata.Priority > 10 {
		return WireErrorf(ErrCodeInvalidMessage, "priority %d out of range", m.Metadata.Priority)
	}
	if m.Metadata.TTL < 1 || m.Metadata.TTL > 3600 {
		return WireErrorf(ErrCodeInvalidMessage, "ttl %d out of range", m.Metadata.TTL)
	}

	return nil
}

// Encode serializes an envelope to one wire frame.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// SetPayload replaces the raw payload and its materialized form together.
func (m *Message) SetPayload(p Payload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	m.Payload = raw
	m.Decoded = p
	return nil
}

// WireCode extracts the protocol error code from err, defaulting to
// INTERNAL_ERROR for plain failures.
func WireCode(err error) ErrorCode {
	var we *WireError
	if errors.As(err, &we) {
		return we.Code
	}
	return ErrCodeInternalError
}

// Restamp resets the identity fields on a gateway-originated copy of an
// envelope so replies never reuse a client's id.
func (m *Message) Restamp() {
	m.ID = uuid.New().String()
	m.Timestamp = time.Now().UTC()
}
