// Package protocol implements the MudVault Mesh wire protocol: the JSON
// envelope, its typed payloads, validation and sanitization rules.
package protocol

import (
	"errors"

	jsoniter "github.com/json-iterator/go"
)

// Version is the protocol version this gateway speaks. Envelopes carrying
// any other version are rejected with UNSUPPORTED_VERSION.
const Version = "1.0"

const (
	// MaxFrameBytes is the largest frame accepted off the wire.
	MaxFrameBytes = 64 * 1024

	// MaxMessageLen bounds the plain message body of a payload.
	MaxMessageLen = 4096

	// MaxFormattedLen bounds the pre-formatted message body of a payload.
	MaxFormattedLen = 8192
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// strict rejects unknown fields. Used for envelope and payload decoding so
// misspelt or foreign keys fail loudly instead of being dropped.
var strict = jsoniter.Config{
	EscapeHTML:             true,
	ValidateJsonRawMessage: true,
	DisallowUnknownFields:  true,
}.Froze()

// ErrFrameTooLarge is returned when a frame exceeds MaxFrameBytes.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// ErrUnknownType is returned when an envelope carries a type outside the
// closed enum.
var ErrUnknownType = errors.New("unknown message type")
