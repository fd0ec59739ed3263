// Package config provides configuration types for relaygate.
//
// Configuration is file-based (relaygate.yaml) with environment overrides
// using the RELAYGATE_ prefix. Durations are kept as strings in the schema
// and parsed through the accessor helpers at wiring time.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// Config is the top-level configuration for relaygate.
type Config struct {
	// Server configures the HTTP and WebSocket listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Token configures the session token service.
	Token TokenConfig `yaml:"token" mapstructure:"token"`

	// Store configures where WebSocket connection records live.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Backend configures the backend API client.
	Backend BackendConfig `yaml:"backend" mapstructure:"backend"`

	// WebSocket configures per-connection transport limits.
	WebSocket WebSocketConfig `yaml:"websocket" mapstructure:"websocket"`

	// RateLimit configures optional rate limiting.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Notify configures the error notification side channel.
	Notify NotifyConfig `yaml:"notify" mapstructure:"notify"`

	// Tracing configures OpenTelemetry tracing.
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`

	// DevMode enables development features (debug logging, ephemeral token secret).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on. Defaults to "127.0.0.1:8080".
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// BasePath is stripped from request paths before resource resolution (e.g. "/api").
	BasePath string `yaml:"base_path" mapstructure:"base_path" validate:"omitempty,startswith=/"`

	// WSPath is the path that upgrades to WebSocket. Defaults to "/ws".
	WSPath string `yaml:"ws_path" mapstructure:"ws_path" validate:"omitempty,startswith=/"`

	// LogLevel sets the minimum log level: "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// AllowedOrigins lists browser origins allowed for CORS and WebSocket upgrades.
	// Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`

	// ShutdownTimeout bounds graceful shutdown. Defaults to "10s".
	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"omitempty,duration"`

	// BroadcastKey enables POST /_internal/broadcast when set.
	BroadcastKey string `yaml:"broadcast_key" mapstructure:"broadcast_key"`
}

// TokenConfig configures session token issuance.
type TokenConfig struct {
	// Secret is the HMAC signing key. Required outside dev mode.
	Secret string `yaml:"secret" mapstructure:"secret"`

	// TTL is the default session token lifetime. Defaults to "10m".
	TTL string `yaml:"ttl" mapstructure:"ttl" validate:"omitempty,duration"`

	// Issuer is written to and checked against the iss claim.
	Issuer string `yaml:"issuer" mapstructure:"issuer"`
}

// StoreConfig configures the connection store.
type StoreConfig struct {
	// Backend selects the store: "memory", "redis" or "sqlite". Defaults to "memory".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory redis sqlite"`

	// Retention is how long a record lives after its last save. Defaults to "24h".
	Retention string `yaml:"retention" mapstructure:"retention" validate:"omitempty,duration"`

	// CleanupInterval is how often expired records are swept. Defaults to "1m".
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty,duration"`

	Redis  RedisConfig  `yaml:"redis" mapstructure:"redis"`
	SQLite SQLiteConfig `yaml:"sqlite" mapstructure:"sqlite"`
}

// RedisConfig configures the redis connection store.
type RedisConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password  string `yaml:"password" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db" validate:"gte=0"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// SQLiteConfig configures the sqlite connection store.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// BackendConfig configures the backend API client.
type BackendConfig struct {
	// BaseURL is the backend API root (e.g. "https://api.example.com/v1").
	BaseURL string `yaml:"base_url" mapstructure:"base_url" validate:"required,url"`

	// Timeout bounds a single attempt. Defaults to "10s".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`

	// MaxRetries is the number of retries after the first attempt. Defaults to 3.
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries" validate:"gte=0,lte=10"`

	// InitialBackoff is the first retry delay. Defaults to "200ms".
	InitialBackoff string `yaml:"initial_backoff" mapstructure:"initial_backoff" validate:"omitempty,duration"`

	// MaxBackoff caps the retry delay. Defaults to "2s".
	MaxBackoff string `yaml:"max_backoff" mapstructure:"max_backoff" validate:"omitempty,duration"`

	Breaker BreakerConfig `yaml:"breaker" mapstructure:"breaker"`
}

// BreakerConfig configures the backend circuit breaker.
type BreakerConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures int `yaml:"max_failures" mapstructure:"max_failures" validate:"gte=0"`

	// OpenTimeout is how long the breaker stays open. Defaults to "30s".
	OpenTimeout string `yaml:"open_timeout" mapstructure:"open_timeout" validate:"omitempty,duration"`
}

// WebSocketConfig configures the WebSocket transport.
type WebSocketConfig struct {
	// MaxMessageBytes caps an inbound frame. Defaults to 64 KiB.
	MaxMessageBytes int64 `yaml:"max_message_bytes" mapstructure:"max_message_bytes" validate:"gte=0"`

	PingInterval string `yaml:"ping_interval" mapstructure:"ping_interval" validate:"omitempty,duration"`
	PongWait     string `yaml:"pong_wait" mapstructure:"pong_wait" validate:"omitempty,duration"`
	WriteWait    string `yaml:"write_wait" mapstructure:"write_wait" validate:"omitempty,duration"`
}

// RateLimitConfig configures rate limiting.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// IPRate is the maximum HTTP requests per minute per client IP.
	IPRate int `yaml:"ip_rate" mapstructure:"ip_rate" validate:"gte=0"`

	// FrameRate is the maximum WebSocket frames per minute per connection.
	FrameRate int `yaml:"frame_rate" mapstructure:"frame_rate" validate:"gte=0"`

	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty,duration"`
	MaxTTL          string `yaml:"max_ttl" mapstructure:"max_ttl" validate:"omitempty,duration"`
}

// NotifyConfig configures failure notifications.
type NotifyConfig struct {
	// SlackWebhookURL enables Slack notifications for 5xx outcomes when set.
	SlackWebhookURL string `yaml:"slack_webhook_url" mapstructure:"slack_webhook_url" validate:"omitempty,url"`

	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	// Enabled exports dispatch spans to stdout.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// SetDevDefaults applies permissive defaults for development mode.
// Applied before validation so required fields are satisfied.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	c.Server.LogLevel = "debug"
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = "http://127.0.0.1:3000"
	}
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	// Bind to localhost unless told otherwise.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = "/ws"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "10s"
	}

	if c.Token.TTL == "" {
		c.Token.TTL = "10m"
	}
	if c.Token.Issuer == "" {
		c.Token.Issuer = "relaygate"
	}

	if c.Store.Backend == "" {
		c.Store.Backend = StoreMemory
	}
	if c.Store.Retention == "" {
		c.Store.Retention = "24h"
	}
	if c.Store.CleanupInterval == "" {
		c.Store.CleanupInterval = "1m"
	}
	if c.Store.Redis.KeyPrefix == "" {
		c.Store.Redis.KeyPrefix = "relaygate"
	}

	if c.Backend.Timeout == "" {
		c.Backend.Timeout = "10s"
	}
	if !viper.IsSet("backend.max_retries") && c.Backend.MaxRetries == 0 {
		c.Backend.MaxRetries = 3
	}
	if c.Backend.InitialBackoff == "" {
		c.Backend.InitialBackoff = "200ms"
	}
	if c.Backend.MaxBackoff == "" {
		c.Backend.MaxBackoff = "2s"
	}
	if c.Backend.Breaker.MaxFailures == 0 {
		c.Backend.Breaker.MaxFailures = 5
	}
	if c.Backend.Breaker.OpenTimeout == "" {
		c.Backend.Breaker.OpenTimeout = "30s"
	}

	if c.WebSocket.MaxMessageBytes == 0 {
		c.WebSocket.MaxMessageBytes = 64 * 1024
	}
	if c.WebSocket.PingInterval == "" {
		c.WebSocket.PingInterval = "30s"
	}
	if c.WebSocket.PongWait == "" {
		c.WebSocket.PongWait = "60s"
	}
	if c.WebSocket.WriteWait == "" {
		c.WebSocket.WriteWait = "10s"
	}

	// Rate limiting is on unless explicitly disabled in YAML/env.
	if !viper.IsSet("rate_limit.enabled") {
		c.RateLimit.Enabled = true
	}
	if c.RateLimit.IPRate == 0 {
		c.RateLimit.IPRate = 300
	}
	if c.RateLimit.FrameRate == 0 {
		c.RateLimit.FrameRate = 120
	}
	if c.RateLimit.CleanupInterval == "" {
		c.RateLimit.CleanupInterval = "5m"
	}
	if c.RateLimit.MaxTTL == "" {
		c.RateLimit.MaxTTL = "1h"
	}

	if c.Notify.Timeout == "" {
		c.Notify.Timeout = "5s"
	}
}

// Duration parses a duration string from the config, falling back to def
// when the value is empty or unparseable. Validate rejects unparseable values
// so the fallback only matters for configs built in code.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}
