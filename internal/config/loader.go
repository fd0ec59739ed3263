package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for relaygate.yaml/.yml in standard locations.
// The search requires an explicit YAML extension so the binary itself is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No search paths: ReadInConfig returns ConfigFileNotFoundError,
		// which callers treat as "env only".
		viper.SetConfigName("relaygate")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: RELAYGATE_SERVER_HTTP_ADDR
	viper.SetEnvPrefix("RELAYGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	return findConfigFileInPaths([]string{
		".",
		filepath.Join(home, ".relaygate"),
		"/etc/relaygate",
	})
}

// findConfigFileInPaths searches the given directories for relaygate.yaml or .yml.
// Returns the full path of the first match, or empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "relaygate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// envKeys lists every scalar key that can be overridden from the environment.
// Viper only maps env vars onto Unmarshal for keys it knows about.
var envKeys = []string{
	"server.http_addr",
	"server.base_path",
	"server.ws_path",
	"server.log_level",
	"server.shutdown_timeout",
	"server.broadcast_key",
	// server.allowed_origins is a list; set it in the config file.

	"token.secret",
	"token.ttl",
	"token.issuer",

	"store.backend",
	"store.retention",
	"store.cleanup_interval",
	"store.redis.addr",
	"store.redis.password",
	"store.redis.db",
	"store.redis.key_prefix",
	"store.sqlite.path",

	"backend.base_url",
	"backend.timeout",
	"backend.max_retries",
	"backend.initial_backoff",
	"backend.max_backoff",
	"backend.breaker.enabled",
	"backend.breaker.max_failures",
	"backend.breaker.open_timeout",

	"websocket.max_message_bytes",
	"websocket.ping_interval",
	"websocket.pong_wait",
	"websocket.write_wait",

	"rate_limit.enabled",
	"rate_limit.ip_rate",
	"rate_limit.frame_rate",
	"rate_limit.cleanup_interval",
	"rate_limit.max_ttl",

	"notify.slack_webhook_url",
	"notify.timeout",

	"tracing.enabled",

	"dev_mode",
}

func bindNestedEnvKeys() {
	for _, key := range envKeys {
		_ = viper.BindEnv(key)
	}
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, applies dev defaults and validates.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults,
// but does NOT apply dev defaults or validate.
// Use this when CLI flags may override DevMode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found: continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
