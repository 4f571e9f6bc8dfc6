package protocol

import "fmt"

// ErrorCode is a wire-stable protocol failure code.
type ErrorCode int

const (
	ErrCodeInvalidMessage     ErrorCode = 1000
	ErrCodeAuthFailed         ErrorCode = 1001
	ErrCodeUnauthorized       ErrorCode = 1002
	ErrCodeMudNotFound        ErrorCode = 1003
	ErrCodeUserNotFound       ErrorCode = 1004
	ErrCodeChannelNotFound    ErrorCode = 1005
	ErrCodeRateLimited        ErrorCode = 1006
	ErrCodeInternalError      ErrorCode = 1007
	ErrCodeProtocolError      ErrorCode = 1008
	ErrCodeUnsupportedVersion ErrorCode = 1009
	ErrCodeMessageTooLarge    ErrorCode = 1010
)

var errorCodeNames = map[ErrorCode]string{
	ErrCodeInvalidMessage:     "Invalid message format",
	ErrCodeAuthFailed:         "Authentication failed",
	ErrCodeUnauthorized:       "Unauthorized",
	ErrCodeMudNotFound:        "MUD not found",
	ErrCodeUserNotFound:       "User not found",
	ErrCodeChannelNotFound:    "Channel not found",
	ErrCodeRateLimited:        "Rate limited",
	ErrCodeInternalError:      "Internal error",
	ErrCodeProtocolError:      "Protocol error",
	ErrCodeUnsupportedVersion: "Unsupported protocol version",
	ErrCodeMessageTooLarge:    "Message too large",
}

// String returns the canonical description for the code.
func (c ErrorCode) String() string {
	if s, ok := errorCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Unknown error %d", int(c))
}

// Label returns the numeric form, used as a metric label.
func (c ErrorCode) Label() string {
	return fmt.Sprintf("%d", int(c))
}

// WireError is a failure that maps to an error envelope on the wire.
type WireError struct {
	Code    ErrorCode
	Reason  string
	Details map[string]interface{}
}

func (e *WireError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%d: %s", int(e.Code), e.Code.String())
	}
	return fmt.Sprintf("%d: %s: %s", int(e.Code), e.Code.String(), e.Reason)
}

// NewWireError builds a WireError with a human reason for logs; the reason
// is also surfaced in the error envelope's details.
func NewWireError(code ErrorCode, reason string) *WireError {
	e := &WireError{Code: code, Reason: reason}
	if reason != "" {
		e.Details = map[string]interface{}{"reason": reason}
	}
	return e
}

// WireErrorf builds a WireError with a formatted reason.
func WireErrorf(code ErrorCode, format string, args ...interface{}) *WireError {
	return NewWireError(code, fmt.Sprintf(format, args...))
}
