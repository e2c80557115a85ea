// Package config loads and validates the netstore configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority, applied by the commands)
//  2. Environment variables (NETSTORE_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
//
// Environment variables override only keys that the configuration file
// sets. When no configuration file is found, Load returns the defaults and
// does not read the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the netstore configuration.
//
// One configuration file drives all three roles: the storage server
// ("netstore serve"), the fan-out proxy ("netstore proxy") and the client
// commands ("netstore upload" / "netstore download"). Each role reads its own
// section plus the shared logging and api sections.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server configures the storage server role
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Proxy configures the fan-out proxy role
	Proxy ProxyConfig `mapstructure:"proxy" yaml:"proxy"`

	// Client configures the client commands and library defaults
	Client ClientConfig `mapstructure:"client" yaml:"client"`

	// API configures the admin HTTP endpoint (health, status, metrics)
	API APIConfig `mapstructure:"api" yaml:"api"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ServerConfig holds the storage server settings.
type ServerConfig struct {
	// BindAddress is the IP address to bind to.
	// Empty string or "0.0.0.0" binds to all interfaces.
	BindAddress string `mapstructure:"bind_address" yaml:"bind_address"`

	// Port is the TCP port to listen on.
	Port int `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`

	// Root is the directory committed blobs are persisted under.
	Root string `mapstructure:"root" validate:"required" yaml:"root"`

	// MaxConnections limits concurrent client connections. 0 means unlimited.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0" yaml:"max_connections"`

	// ShutdownTimeout is the maximum duration to wait for active connections
	// to complete during graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// ProxyConfig holds the fan-out proxy settings.
type ProxyConfig struct {
	// BindAddress is the IP address to bind to.
	BindAddress string `mapstructure:"bind_address" yaml:"bind_address"`

	// Port is the TCP port to listen on.
	Port int `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`

	// Backends lists the storage servers as host:port pairs. Every backend
	// holds the full namespace; uploads fan out to all of them.
	Backends []string `mapstructure:"backends" validate:"dive,hostname_port" yaml:"backends"`

	// ReconnectDelay is the pause before re-dialing a lost pool backend.
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay" validate:"required,gt=0" yaml:"reconnect_delay"`

	// MaxConnections limits concurrent frontend connections. 0 means unlimited.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0" yaml:"max_connections"`

	// ShutdownTimeout is the maximum duration to wait for active connections
	// to complete during graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// ClientConfig holds client-side settings.
type ClientConfig struct {
	// Server is the storage server or proxy as host:port. Empty means no
	// remote: uploads and downloads fail, cache-only operations still work.
	Server string `mapstructure:"server" validate:"omitempty,hostname_port" yaml:"server"`

	// CacheDir is the local folder holding downloaded files. Empty means a
	// session-scoped temporary directory is created on demand.
	CacheDir string `mapstructure:"cachedir" yaml:"cachedir"`
}

// APIConfig holds the admin HTTP endpoint settings.
type APIConfig struct {
	// Enabled controls whether the admin endpoint is started.
	Enabled *bool `mapstructure:"enabled" yaml:"enabled"`

	// BindAddress is the IP address to bind to.
	BindAddress string `mapstructure:"bind_address" yaml:"bind_address"`

	// Port is the TCP port the admin endpoint listens on.
	Port int `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`
}

// IsEnabled reports whether the admin endpoint should be started.
// Defaults to true when unset.
func (a APIConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages.
// It checks if the config file exists and provides instructions if not.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			// No file anywhere: run on defaults, like the other sources of
			// configuration this is not an error.
			return Load("")
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  netstore init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Use yaml.Marshal directly to respect yaml tags
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use NETSTORE_ prefix and underscores.
	// Example: NETSTORE_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("NETSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

// durationDecodeHook converts strings to time.Duration so config files can
// use human-readable durations like "30s", "5m", "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}
