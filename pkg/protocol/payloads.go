package protocol

import (
	"errors"
	"fmt"
)

// ChannelAction selects what a channel envelope does.
type ChannelAction string

const (
	ChannelActionJoin    ChannelAction = "join"
	ChannelActionLeave   ChannelAction = "leave"
	ChannelActionMessage ChannelAction = "message"
	ChannelActionList    ChannelAction = "list"
)

// PresenceStatus is the online state a user reports.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
)

var errMissingMessage = errors.New("message is required")

// TellPayload is a direct message between two users.
type TellPayload struct {
	Message   string `json:"message"`
	Formatted string `json:"formatted,omitempty"`
}

// Sanitize strips control bytes and enforces length bounds in place.
func (p *TellPayload) Sanitize() {
	p.Message = SanitizeMessage(p.Message, MaxMessageLen)
	p.Formatted = SanitizeMessage(p.Formatted, MaxFormattedLen)
}

// Validate reports the first shape violation.
func (p *TellPayload) Validate() error {
	if p.Message == "" {
		return errMissingMessage
	}
	return nil
}

// EmotePayload is an action shown to a room or a single target.
type EmotePayload struct {
	Action    string `json:"action"`
	Target    string `json:"target,omitempty"`
	Formatted string `json:"formatted,omitempty"`
}

func (p *EmotePayload) Sanitize() {
	p.Action = SanitizeMessage(p.Action, MaxMessageLen)
	p.Formatted = SanitizeMessage(p.Formatted, MaxFormattedLen)
}

func (p *EmotePayload) Validate() error {
	if p.Action == "" {
		return errors.New("action is required")
	}
	return nil
}

// ChannelPayload drives channel membership and chat.
type ChannelPayload struct {
	Channel   string        `json:"channel"`
	Message   string        `json:"message,omitempty"`
	Action    ChannelAction `json:"action,omitempty"`
	Formatted string        `json:"formatted,omitempty"`
}

func (p *ChannelPayload) Sanitize() {
	p.Message = SanitizeMessage(p.Message, MaxMessageLen)
	p.Formatted = SanitizeMessage(p.Formatted, MaxFormattedLen)
	if p.Action == "" {
		p.Action = ChannelActionMessage
	}
}

func (p *ChannelPayload) Validate() error {
	if !ValidChannelName(p.Channel) {
		return fmt.Errorf("invalid channel name %q", p.Channel)
	}
	switch p.Action {
	case ChannelActionJoin, ChannelActionLeave, ChannelActionList:
	case ChannelActionMessage:
		if p.Message == "" {
			return errMissingMessage
		}
	default:
		return fmt.Errorf("invalid channel action %q", p.Action)
	}
	return nil
}

// UserInfo describes one user in who/finger responses.
type UserInfo struct {
	Username    string   `json:"username"`
	DisplayName string   `json:"displayName,omitempty"`
	Level       int      `json:"level,omitempty"`
	IdleTime    int      `json:"idleTime,omitempty"`
	Location    string   `json:"location,omitempty"`
	Flags       []string `json:"flags,omitempty"`
	Race        string   `json:"race,omitempty"`
	Class       string   `json:"class,omitempty"`
	Guild       string   `json:"guild,omitempty"`
	LastLogin   string   `json:"lastLogin,omitempty"`
	RealName    string   `json:"realName,omitempty"`
	Email       string   `json:"email,omitempty"`
	Plan        string   `json:"plan,omitempty"`
}

// WhoPayload is a who request or its user-list response.
type WhoPayload struct {
	Request bool       `json:"request,omitempty"`
	Sort    string     `json:"sort,omitempty"`
	Format  string     `json:"format,omitempty"`
	Filter  string     `json:"filter,omitempty"`
	Users   []UserInfo `json:"users,omitempty"`
	Count   int        `json:"count,omitempty"`
}

func (p *WhoPayload) Sanitize() {}

func (p *WhoPayload) Validate() error {
	if !p.Request && p.Users == nil {
		return errors.New("who payload needs request flag or users list")
	}
	return nil
}

// FingerPayload is a finger request or its response.
type FingerPayload struct {
	User    string    `json:"user"`
	Request bool      `json:"request,omitempty"`
	Info    *UserInfo `json:"info,omitempty"`
}

func (p *FingerPayload) Sanitize() {}

func (p *FingerPayload) Validate() error {
	if !ValidUserName(p.User) {
		return fmt.Errorf("invalid user name %q", p.User)
	}
	if !p.Request && p.Info == nil {
		return errors.New("finger payload needs request flag or info")
	}
	return nil
}

// UserLocation is one mesh location a user was found at.
type UserLocation struct {
	Mud    string `json:"mud"`
	Online bool   `json:"online"`
	Room   string `json:"room,omitempty"`
	Area   string `json:"area,omitempty"`
}

// LocatePayload is a locate request or its response.
type LocatePayload struct {
	User      string         `json:"user"`
	Request   bool           `json:"request,omitempty"`
	Locations []UserLocation `json:"locations,omitempty"`
}

func (p *LocatePayload) Sanitize() {}

func (p *LocatePayload) Validate() error {
	if !ValidUserName(p.User) {
		return fmt.Errorf("invalid user name %q", p.User)
	}
	return nil
}

// PresencePayload reports a user's online state.
type PresencePayload struct {
	Status   PresenceStatus `json:"status"`
	Activity string         `json:"activity,omitempty"`
	Location string         `json:"location,omitempty"`
}

func (p *PresencePayload) Sanitize() {
	p.Activity = SanitizeMessage(p.Activity, MaxMessageLen)
	p.Location = SanitizeMessage(p.Location, MaxMessageLen)
}

func (p *PresencePayload) Validate() error {
	switch p.Status {
	case PresenceOnline, PresenceOffline, PresenceAway, PresenceBusy:
		return nil
	}
	return fmt.Errorf("invalid presence status %q", p.Status)
}

// AuthPayload identifies a connecting MUD. Token carries either an API key
// or a bearer token previously issued for one.
type AuthPayload struct {
	MudName   string `json:"mudName,omitempty"`
	Token     string `json:"token,omitempty"`
	Challenge string `json:"challenge,omitempty"`
	Response  string `json:"response,omitempty"`
}

// UnmarshalJSON accepts mud_name as an alias for mudName; older clients
// send the snake_case form.
func (p *AuthPayload) UnmarshalJSON(data []byte) error {
	var raw struct {
		MudName   string `json:"mudName"`
		AltName   string `json:"mud_name"`
		Token     string `json:"token"`
		Challenge string `json:"challenge"`
		Response  string `json:"response"`
	}
	if err := strict.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.MudName = raw.MudName
	if p.MudName == "" {
		p.MudName = raw.AltName
	}
	p.Token = raw.Token
	p.Challenge = raw.Challenge
	p.Response = raw.Response
	return nil
}

// Sanitize maps the announced MUD name onto the legal alphabet before it
// is validated, so "My Cool MUD" authenticates as "My-Cool-MUD".
func (p *AuthPayload) Sanitize() {
	p.MudName = NormalizeMudName(p.MudName)
}

func (p *AuthPayload) Validate() error {
	if !ValidMudName(p.MudName) {
		return fmt.Errorf("invalid mud name %q", p.MudName)
	}
	if p.Token == "" {
		// Challenge/response is reserved wire surface; only tokens and
		// API keys authenticate today.
		if p.Challenge != "" || p.Response != "" {
			return errors.New("challenge/response auth is not supported, send a token")
		}
		return errors.New("token is required")
	}
	return nil
}

// AuthResultPayload acknowledges a successful authentication.
type AuthResultPayload struct {
	Authenticated bool   `json:"authenticated"`
	MudName       string `json:"mudName"`
}

// PingPayload carries an epoch-millisecond timestamp; a pong echoes the
// value from the ping it answers.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

func (p *PingPayload) Sanitize() {}

func (p *PingPayload) Validate() error {
	if p.Timestamp <= 0 {
		return errors.New("timestamp is required")
	}
	return nil
}

// ErrorPayload reports a protocol failure to a peer.
type ErrorPayload struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (p *ErrorPayload) Sanitize() {
	p.Message = SanitizeMessage(p.Message, MaxMessageLen)
}

func (p *ErrorPayload) Validate() error {
	if p.Code == 0 {
		return errors.New("error code is required")
	}
	return nil
}

// MudInfo is one directory entry in a mudlist response.
type MudInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Host        string `json:"host,omitempty"`
	ConnectedAt string `json:"connectedAt,omitempty"`
	LastSeen    string `json:"lastSeen,omitempty"`
	Users       int    `json:"users,omitempty"`
}

// MudlistPayload is a directory request for connected MUDs, or its response.
type MudlistPayload struct {
	Request bool      `json:"request,omitempty"`
	Muds    []MudInfo `json:"muds,omitempty"`
}

func (p *MudlistPayload) Sanitize() {}

func (p *MudlistPayload) Validate() error {
	if !p.Request && p.Muds == nil {
		return errors.New("mudlist payload needs request flag or muds list")
	}
	return nil
}

// ChannelInfo is one directory entry in a channels response.
type ChannelInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Members     int    `json:"members,omitempty"`
	Flags       uint32 `json:"flags,omitempty"`
}

// ChannelListPayload is a directory request for known channels, or its
// response.
type ChannelListPayload struct {
	Request  bool          `json:"request,omitempty"`
	Channels []ChannelInfo `json:"channels,omitempty"`
}

func (p *ChannelListPayload) Sanitize() {}

func (p *ChannelListPayload) Validate() error {
	if !p.Request && p.Channels == nil {
		return errors.New("channels payload needs request flag or channels list")
	}
	return nil
}

// Payload is implemented by every typed payload variant.
type Payload interface {
	Sanitize()
	Validate() error
}

// DecodePayload materializes the typed payload variant selected by the
// envelope's type, sanitizes it and validates its shape.
func DecodePayload(m *Message) (Payload, error) {
	var p Payload

	switch m.Type {
	case MessageTypeTell:
		p = &TellPayload{}
	case MessageTypeEmote, MessageTypeEmoteTo:
		p = &EmotePayload{}
	case MessageTypeChannel:
		p = &ChannelPayload{}
	case MessageTypeWho:
		p = &WhoPayload{}
	case MessageTypeFinger:
		p = &FingerPayload{}
	case MessageTypeLocate:
		p = &LocatePayload{}
	case MessageTypePresence:
		p = &PresencePayload{}
	case MessageTypeAuth:
		p = &AuthPayload{}
	case MessageTypePing, MessageTypePong:
		p = &PingPayload{}
	case MessageTypeError:
		p = &ErrorPayload{}
	case MessageTypeMudlist:
		p = &MudlistPayload{}
	case MessageTypeChannels:
		p = &ChannelListPayload{}
	default:
		return nil, ErrUnknownType
	}

	if err := strict.Unmarshal(m.Payload, p); err != nil {
		return nil, err
	}
	p.Sanitize()
	if err := p.Validate(); err != nil {
		return nil, err
	}

	return p, nil
}
