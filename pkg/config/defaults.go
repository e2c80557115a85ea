package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Default values applied when a config file or key is absent.
const (
	DefaultPort           = 14000
	DefaultAPIPort        = 14080
	DefaultReconnectDelay = 2 * time.Second
	DefaultShutdownWait   = 30 * time.Second
)

// GetDefaultConfig returns a configuration with all defaults applied.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills in zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.Root == "" {
		cfg.Server.Root = "./data"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownWait
	}

	if cfg.Proxy.Port == 0 {
		cfg.Proxy.Port = DefaultPort
	}
	if cfg.Proxy.ReconnectDelay == 0 {
		cfg.Proxy.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Proxy.ShutdownTimeout == 0 {
		cfg.Proxy.ShutdownTimeout = DefaultShutdownWait
	}

	if cfg.API.Port == 0 {
		cfg.API.Port = DefaultAPIPort
	}
}

// getConfigDir returns the directory searched for the default config file,
// honoring XDG_CONFIG_HOME.
func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "netstore")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "netstore")
}

// GetDefaultConfigPath returns the default config file location.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

const sampleConfig = `# netstore configuration
#
# Every key can be overridden with an environment variable:
#   NETSTORE_<SECTION>_<KEY>, e.g. NETSTORE_LOGGING_LEVEL=DEBUG

logging:
  level: INFO       # DEBUG, INFO, WARN, ERROR
  format: text      # text, json
  output: stdout    # stdout, stderr, or a file path

# Storage server role ("netstore serve")
server:
  bind_address: 0.0.0.0
  port: 14000
  root: ./data
  max_connections: 0          # 0 = unlimited
  shutdown_timeout: 30s

# Fan-out proxy role ("netstore proxy")
proxy:
  bind_address: 0.0.0.0
  port: 14000
  backends: []                # e.g. ["stor1:14000", "stor2:14000"]
  reconnect_delay: 2s
  max_connections: 0
  shutdown_timeout: 30s

# Client defaults ("netstore upload" / "netstore download")
client:
  server: 127.0.0.1:14000
  cachedir: ""                # empty = session-scoped temp directory

# Admin HTTP endpoint (health, status, Prometheus metrics)
api:
  enabled: true
  bind_address: 127.0.0.1
  port: 14080
`

// InitConfig writes a commented sample configuration to the default location.
// Returns the path written.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	return path, InitConfigToPath(path, force)
}

// InitConfigToPath writes a commented sample configuration to path.
func InitConfigToPath(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
