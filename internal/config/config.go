// Package config provides TOML configuration file loading and parsing for the
// chat client and the dev backend. The configuration file lives at
// ~/.chatsync/config.toml by default, but can be overridden with the --config
// flag. CLI flags always take precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML files
// via struct tags.
type Config struct {
	// ServerURL is the portal root the client talks to, e.g. https://portal.example.com.
	// The REST API lives under /api and the push channel under /ws/chat.
	ServerURL string `toml:"server_url"`

	// Token is the bearer token for REST and WebSocket requests.
	Token string `toml:"token"`

	// UserID is the session user. It authors sends and gates edit/delete.
	UserID string `toml:"user_id"`

	// ReconnectIntervalMs is the fixed delay before each push-channel reconnect.
	// Default: 3000
	ReconnectIntervalMs int `toml:"reconnect_interval_ms"`

	// ReconnectRate caps reconnect attempts per second per thread.
	// Default: 1
	ReconnectRate float64 `toml:"reconnect_rate"`

	// ReconnectBurst is the number of reconnects allowed back to back.
	// Default: 3
	ReconnectBurst int `toml:"reconnect_burst"`

	// HTTPTimeoutMs bounds every REST request.
	// Default: 20000
	HTTPTimeoutMs int `toml:"http_timeout_ms"`

	// PageSize is the number of messages shown initially.
	// Default: 50
	PageSize int `toml:"page_size"`

	// PageIncrement is how many more messages "load more" reveals.
	// Default: 50
	PageIncrement int `toml:"page_increment"`

	// MaxAttachmentBytes is the client-side attachment ceiling.
	// Default: 10485760 (10 MiB)
	MaxAttachmentBytes int64 `toml:"max_attachment_bytes"`

	// ScrollThreshold is how close to the bottom (in pixels) still counts as
	// "at the bottom" for auto-scroll. The TUI converts it to rows.
	// Default: 50
	ScrollThreshold int `toml:"scroll_threshold_px"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	// Default: info
	LogLevel string `toml:"log_level"`

	// LogFile redirects log output. Empty keeps stderr.
	LogFile string `toml:"log_file"`

	// Addr is the host:port the dev backend listens on.
	// Default: 127.0.0.1:8000
	Addr string `toml:"addr"`

	// DBPath is the SQLite database for the dev backend.
	// Default: ~/.chatsync/chatsync.db
	DBPath string `toml:"db_path"`

	// RequireAuth makes the dev backend demand a bearer token.
	// Default: false
	RequireAuth bool `toml:"require_auth"`

	// MdnsEnabled advertises the dev backend on the local network.
	// Default: false
	MdnsEnabled bool `toml:"mdns_enabled"`

	// InboundRate and InboundBurst cap frames per second per WebSocket client
	// on the dev backend.
	// Default: 20 / 10
	InboundRate  float64 `toml:"inbound_rate"`
	InboundBurst int     `toml:"inbound_burst"`
}

// DefaultDir returns ~/.chatsync.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".chatsync"), nil
}

// DefaultConfigPath returns the default config file location: ~/.chatsync/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DefaultDBPath returns ~/.chatsync/chatsync.db.
func DefaultDBPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "chatsync.db"), nil
}

// WriteDefault creates a starter config file at the given path.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
//   - Returns an error if the file cannot be written.
func WriteDefault(path, serverURL string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if serverURL == "" {
		serverURL = "http://" + DefaultAddr
	}
	content := fmt.Sprintf(`# chatsync configuration

# Portal to sync with
server_url = %q

# Bearer token and the user it belongs to
token = ""
user_id = ""

# Dev backend
addr = %q
require_auth = false
`, serverURL, DefaultAddr)

	// Owner read/write only: the file holds a token.
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Load reads a TOML config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts to load from the default location (~/.chatsync/config.toml).
//     Returns an empty Config without error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
//
// Defaults are not applied; call ApplyDefaults after merging CLI flags.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %q in %s", undecoded[0].String(), path)
	}

	return cfg, nil
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.ReconnectIntervalMs <= 0 {
		c.ReconnectIntervalMs = DefaultReconnectIntervalMs
	}
	if c.ReconnectRate == 0 {
		c.ReconnectRate = DefaultReconnectRate
	}
	if c.ReconnectBurst <= 0 {
		c.ReconnectBurst = DefaultReconnectBurst
	}
	if c.HTTPTimeoutMs <= 0 {
		c.HTTPTimeoutMs = DefaultHTTPTimeoutMs
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.PageIncrement <= 0 {
		c.PageIncrement = DefaultPageIncrement
	}
	if c.MaxAttachmentBytes <= 0 {
		c.MaxAttachmentBytes = DefaultMaxAttachmentBytes
	}
	if c.ScrollThreshold <= 0 {
		c.ScrollThreshold = DefaultScrollThreshold
	}
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.DBPath == "" {
		if p, err := DefaultDBPath(); err == nil {
			c.DBPath = p
		}
	}
	if c.InboundRate == 0 {
		c.InboundRate = DefaultInboundRate
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = DefaultInboundBurst
	}
}

// ReconnectInterval returns ReconnectIntervalMs as a duration.
func (c *Config) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalMs) * time.Millisecond
}

// HTTPTimeout returns HTTPTimeoutMs as a duration.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutMs) * time.Millisecond
}
