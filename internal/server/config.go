package server

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/wsroute/internal/logging"
)

// Default values for optional configuration fields.
const (
	DefaultPort             = ":8080"
	DefaultMaxMessageSize   = 64 << 10
	DefaultRateLimitBurst   = 20
	DefaultRateLimitRefill  = time.Second
	DefaultGroupHeader      = "ClientGroup"
	DefaultClientHeader     = "ClientID"
	DefaultGroupParam       = "group"
	DefaultClientParam      = "client"
	DefaultPingInterval     = 54 * time.Second
	DefaultPongWait         = 60 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultPresenceInterval = time.Second
	DefaultRouterWorkers    = 64
	DefaultShutdownTimeout  = 10 * time.Second
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "console"
)

// RateLimitConfig defines the parameters for per-connection inbound message
// rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// HandshakeConfig names where clients put their group and client labels.
// Query parameters are consulted when the header is absent, since browsers
// cannot set custom headers on a WebSocket handshake.
type HandshakeConfig struct {
	GroupHeader  string `yaml:"group_header"`
	ClientHeader string `yaml:"client_header"`
	GroupParam   string `yaml:"group_param"`
	ClientParam  string `yaml:"client_param"`
}

// KeepaliveConfig controls transport pings and write deadlines. Zero values
// take the defaults; a negative PingInterval disables pings and a negative
// PongWait disables the read deadline.
type KeepaliveConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	PongWait     time.Duration `yaml:"pong_wait"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// PresenceConfig holds presence monitor settings.
type PresenceConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// RouterConfig holds message router settings.
type RouterConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// AdminConfig enables the HTTP control plane. It is unauthenticated and off
// by default.
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ConsoleConfig controls the operator console on stdin.
type ConsoleConfig struct {
	Disabled bool `yaml:"disabled"`
}

// Config holds the server configuration settings.
type Config struct {
	Port            string          `yaml:"port"`
	AllowedOrigins  []string        `yaml:"allowed_origins"`
	MaxMessageSize  int64           `yaml:"max_message_size"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	Handshake       HandshakeConfig `yaml:"handshake"`
	Keepalive       KeepaliveConfig `yaml:"keepalive"`
	Presence        PresenceConfig  `yaml:"presence"`
	Router          RouterConfig    `yaml:"router"`
	Admin           AdminConfig     `yaml:"admin"`
	Console         ConsoleConfig   `yaml:"console"`
	Log             logging.Config  `yaml:"log"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := Config{
		AllowedOrigins: []string{"http://localhost:8080"},
	}
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Port == "" {
		c.Port = DefaultPort
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = DefaultRateLimitBurst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = DefaultRateLimitRefill
	}

	if c.Handshake.GroupHeader == "" {
		c.Handshake.GroupHeader = DefaultGroupHeader
	}
	if c.Handshake.ClientHeader == "" {
		c.Handshake.ClientHeader = DefaultClientHeader
	}
	if c.Handshake.GroupParam == "" {
		c.Handshake.GroupParam = DefaultGroupParam
	}
	if c.Handshake.ClientParam == "" {
		c.Handshake.ClientParam = DefaultClientParam
	}

	if c.Keepalive.PingInterval == 0 {
		c.Keepalive.PingInterval = DefaultPingInterval
	}
	if c.Keepalive.PongWait == 0 {
		c.Keepalive.PongWait = DefaultPongWait
	}
	if c.Keepalive.WriteTimeout <= 0 {
		c.Keepalive.WriteTimeout = DefaultWriteTimeout
	}

	if c.Presence.Interval <= 0 {
		c.Presence.Interval = DefaultPresenceInterval
	}
	if c.Router.Concurrency <= 0 {
		c.Router.Concurrency = DefaultRouterWorkers
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

// Validate checks that all values are usable.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	if c.MaxMessageSize < 1 {
		return errors.New("max_message_size must be >= 1")
	}
	if c.RateLimit.Burst < 1 {
		return errors.New("rate_limit.burst must be >= 1")
	}
	if c.RateLimit.RefillInterval <= 0 {
		return errors.New("rate_limit.refill_interval must be positive")
	}
	if c.Keepalive.PongWait > 0 && c.Keepalive.PingInterval > 0 && c.Keepalive.PingInterval >= c.Keepalive.PongWait {
		return fmt.Errorf("keepalive.ping_interval (%s) must be shorter than keepalive.pong_wait (%s)",
			c.Keepalive.PingInterval, c.Keepalive.PongWait)
	}
	if c.Presence.Interval <= 0 {
		return errors.New("presence.interval must be positive")
	}
	if c.Router.Concurrency < 1 {
		return errors.New("router.concurrency must be >= 1")
	}
	return nil
}

// LoadConfig reads a YAML config file, expands ${VAR} references, applies
// environment overrides and defaults, and validates the result. An empty
// path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	cfg.AllowedOrigins = trimOrigins(cfg.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := NewConfig()
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyEnv() {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Port = port
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		c.MaxMessageSize = parseMaxMessageSize(maxSize, c.MaxMessageSize)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		c.RateLimit.Burst = parseIntValue(burst, c.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		c.RateLimit.RefillInterval = parseDuration(interval, c.RateLimit.RefillInterval)
	}
	if interval := os.Getenv("PRESENCE_INTERVAL"); interval != "" {
		c.Presence.Interval = parseDuration(interval, c.Presence.Interval)
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if enabled := os.Getenv("ADMIN_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			c.Admin.Enabled = parsed
		}
	}
}

func parseOrigins(origins string) []string {
	return trimOrigins(strings.Split(origins, ","))
}

func trimOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration accepts a Go duration ("500ms") or a whole number of seconds.
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
