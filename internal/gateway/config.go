package gateway

import (
	"errors"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/mudvault/mesh/internal/auth"
	"github.com/mudvault/mesh/internal/channels"
	"github.com/mudvault/mesh/internal/ratelimit"
	"github.com/mudvault/mesh/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNoTokenSecret is returned when the configuration carries no signing
// secret for bearer tokens.
var ErrNoTokenSecret = errors.New("no token secret was provided")

const (
	defaultListen              = ":8081"
	defaultHeartbeatSeconds    = 30
	defaultAuthDeadlineSeconds = 10
	defaultSendQueueSize       = 256
	defaultDrainSeconds        = 5
	defaultShutdownSeconds     = 10

	// Invalid frames tolerated inside one minute before the peer is
	// closed with a protocol error.
	malformedFrameLimit = 5
)

// Config is the gateway configuration, loaded from a JSON file.
type Config struct {
	// Listen is the address the WebSocket and metrics endpoints bind to.
	Listen string `json:"listen"`

	// TLSCert and TLSKey enable TLS when both are set.
	TLSCert string `json:"tls_cert"`
	TLSKey  string `json:"tls_key"`

	// GatewayID names this instance in cross-gateway gossip. Generated
	// when empty; set it when running more than one instance so restarts
	// keep a stable identity.
	GatewayID string `json:"gateway_id"`

	LogLevel string `json:"log_level"`

	Redis store.Options `json:"redis"`

	Auth struct {
		TokenSecret          string `json:"token_secret"`
		TokenTTLHours        int    `json:"token_ttl_hours"`
		DuplicateConnections string `json:"duplicate_connections"`
	} `json:"auth"`

	Heartbeat struct {
		IntervalSeconds     int `json:"interval_seconds"`
		AuthDeadlineSeconds int `json:"auth_deadline_seconds"`
	} `json:"heartbeat"`

	Limits ratelimit.Options `json:"limits"`

	Channels channels.Options `json:"channels"`

	// SendQueueSize bounds each connection's outbound queue.
	SendQueueSize int `json:"send_queue_size"`

	DrainTimeoutSeconds    int `json:"drain_timeout_seconds"`
	ShutdownTimeoutSeconds int `json:"shutdown_timeout_seconds"`

	Stream struct {
		Enabled   bool   `json:"enabled"`
		Address   string `json:"address"`
		ClusterID string `json:"cluster"`
		ClientID  string `json:"client"`
		Channel   string `json:"channel"`
	} `json:"stream"`
}

// LoadConfig reads and normalizes a configuration file.
func LoadConfig(path string) (cfg Config, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err = json.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	err = cfg.Normalize()
	return cfg, err
}

// Normalize fills defaults and rejects impossible values.
func (c *Config) Normalize() error {
	if c.Auth.TokenSecret == "" {
		return ErrNoTokenSecret
	}

	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Heartbeat.IntervalSeconds <= 0 {
		c.Heartbeat.IntervalSeconds = defaultHeartbeatSeconds
	}
	if c.Heartbeat.AuthDeadlineSeconds <= 0 {
		c.Heartbeat.AuthDeadlineSeconds = defaultAuthDeadlineSeconds
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.DrainTimeoutSeconds <= 0 {
		c.DrainTimeoutSeconds = defaultDrainSeconds
	}
	if c.ShutdownTimeoutSeconds <= 0 {
		c.ShutdownTimeoutSeconds = defaultShutdownSeconds
	}

	switch auth.DuplicatePolicy(c.Auth.DuplicateConnections) {
	case "", auth.DisplaceOld, auth.RefuseNew:
	default:
		return errors.New("duplicate_connections must be displace or refuse")
	}

	return nil
}

// AuthOptions maps the configuration onto the auth service.
func (c *Config) AuthOptions() auth.Options {
	return auth.Options{
		TokenSecret:          c.Auth.TokenSecret,
		TokenTTL:             time.Duration(c.Auth.TokenTTLHours) * time.Hour,
		DuplicateConnections: auth.DuplicatePolicy(c.Auth.DuplicateConnections),
	}
}

// HeartbeatInterval is how often the gateway pings each peer.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalSeconds) * time.Second
}

// AuthDeadline bounds how long an accepted connection may stay
// unauthenticated.
func (c *Config) AuthDeadline() time.Duration {
	return time.Duration(c.Heartbeat.AuthDeadlineSeconds) * time.Second
}

// DrainTimeout bounds the outbound flush of a draining connection.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}
