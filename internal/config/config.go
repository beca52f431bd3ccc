// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for relaykit.
//
// Configuration is TOML, with sensible defaults and environment variable
// overrides. File location (in order of precedence):
//   - ~/.relaykit/config.toml
//   - Built-in defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/relaykit/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete relaykit configuration.
type Config struct {
	// Backend is the remote chat backend configuration.
	Backend BackendConfig `toml:"backend"`

	// Queue is the durable pending-queue configuration.
	Queue QueueConfig `toml:"queue"`

	// Cache is the conversation cache configuration.
	Cache CacheConfig `toml:"cache"`

	// Stream is the streamed-output configuration.
	Stream StreamConfig `toml:"stream"`

	// Storage is the on-disk layout configuration.
	Storage StorageConfig `toml:"storage"`
}

// BackendConfig contains the remote backend connection settings.
type BackendConfig struct {
	// BaseURL is the backend base URL, e.g. "https://api.example.com".
	BaseURL string `toml:"base_url"`
	// Token is the bearer credential. The RELAYKIT_TOKEN environment
	// variable overrides it.
	Token string `toml:"token"`
	// TimeoutSecs bounds non-streaming requests.
	TimeoutSecs int `toml:"timeout_secs"`
	// ProbeTimeoutSecs bounds the reachability probe.
	ProbeTimeoutSecs int `toml:"probe_timeout_secs"`
}

// QueueConfig contains retry policy for the pending queue.
type QueueConfig struct {
	// RetryCeiling is how many connectivity failures an entry absorbs
	// before it is parked as failed.
	RetryCeiling int `toml:"retry_ceiling"`
	// RetryDelaySecs is the fixed pause between automatic retries.
	RetryDelaySecs int `toml:"retry_delay_secs"`
}

// CacheConfig contains the conversation cache bounds.
type CacheConfig struct {
	// MaxConversations caps how many conversations are retained.
	MaxConversations int `toml:"max_conversations"`
	// MaxMessagesPerConversation caps retained messages per conversation.
	MaxMessagesPerConversation int `toml:"max_messages_per_conversation"`
}

// StreamConfig contains streamed-output settings.
type StreamConfig struct {
	// UpdateIntervalMs throttles partial-output notifications.
	UpdateIntervalMs int `toml:"update_interval_ms"`
}

// StorageConfig contains the on-disk layout.
type StorageConfig struct {
	// DataDir holds the queue and cache databases. Empty means the
	// default ~/.relaykit directory.
	DataDir string `toml:"data_dir"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a config populated with built-in defaults.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			TimeoutSecs:      30,
			ProbeTimeoutSecs: 3,
		},
		Queue: QueueConfig{
			RetryCeiling:   3,
			RetryDelaySecs: 5,
		},
		Cache: CacheConfig{
			MaxConversations:           50,
			MaxMessagesPerConversation: 200,
		},
		Stream: StreamConfig{
			UpdateIntervalMs: 100,
		},
	}
}

// fillDefaults replaces zero values with defaults after a load.
func (c *Config) fillDefaults() {
	def := Default()
	if c.Backend.TimeoutSecs <= 0 {
		c.Backend.TimeoutSecs = def.Backend.TimeoutSecs
	}
	if c.Backend.ProbeTimeoutSecs <= 0 {
		c.Backend.ProbeTimeoutSecs = def.Backend.ProbeTimeoutSecs
	}
	if c.Queue.RetryCeiling <= 0 {
		c.Queue.RetryCeiling = def.Queue.RetryCeiling
	}
	if c.Queue.RetryDelaySecs <= 0 {
		c.Queue.RetryDelaySecs = def.Queue.RetryDelaySecs
	}
	if c.Cache.MaxConversations <= 0 {
		c.Cache.MaxConversations = def.Cache.MaxConversations
	}
	if c.Cache.MaxMessagesPerConversation <= 0 {
		c.Cache.MaxMessagesPerConversation = def.Cache.MaxMessagesPerConversation
	}
	if c.Stream.UpdateIntervalMs <= 0 {
		c.Stream.UpdateIntervalMs = def.Stream.UpdateIntervalMs
	}
}

// =============================================================================
// DURATION ACCESSORS
// =============================================================================

// Timeout returns the non-streaming request timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSecs) * time.Second
}

// ProbeTimeout returns the reachability probe timeout.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Backend.ProbeTimeoutSecs) * time.Second
}

// RetryDelay returns the fixed pause between automatic retries.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Queue.RetryDelaySecs) * time.Second
}

// UpdateInterval returns the partial-output throttle window.
func (c *Config) UpdateInterval() time.Duration {
	return time.Duration(c.Stream.UpdateIntervalMs) * time.Millisecond
}

// =============================================================================
// PATHS
// =============================================================================

// ConfigDir returns the relaykit configuration directory.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(home, ".relaykit"), nil
}

// ConfigPath returns the path to the TOML configuration file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DataDir returns the directory holding the queue and cache databases,
// honoring the configured override.
func (c *Config) DataDir() (string, error) {
	if c.Storage.DataDir != "" {
		return c.Storage.DataDir, nil
	}
	return ConfigDir()
}

// QueuePath returns the pending queue database path.
func (c *Config) QueuePath() (string, error) {
	dir, err := c.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "queue.db"), nil
}

// CachePath returns the conversation cache database path.
func (c *Config) CachePath() (string, error) {
	dir, err := c.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "cache.db"), nil
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads the configuration from the default location, falling back to
// built-in defaults when no file exists. Environment overrides are always
// applied.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath reads the configuration from an explicit path. A missing
// file is not an error; defaults are used.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// No file; defaults plus environment.
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.fillDefaults()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides to the config.
func (c *Config) ApplyEnvOverrides() {
	if token := os.Getenv("RELAYKIT_TOKEN"); token != "" {
		c.Backend.Token = token
	}
	if url := os.Getenv("RELAYKIT_BASE_URL"); url != "" {
		c.Backend.BaseURL = url
	}
}

// Validate checks the configuration for values that cannot be used.
func (c *Config) Validate() error {
	if c.Backend.BaseURL != "" &&
		!strings.HasPrefix(c.Backend.BaseURL, "http://") &&
		!strings.HasPrefix(c.Backend.BaseURL, "https://") {
		return fmt.Errorf("backend.base_url must start with http:// or https://, got %q", c.Backend.BaseURL)
	}
	return nil
}

// =============================================================================
// SAVING
// =============================================================================

// Save writes the configuration to the default location atomically. The
// file carries 0600 permissions because it may hold the token.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveToPath(cfg, path)
}

// SaveToPath writes the configuration to an explicit path atomically.
func SaveToPath(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, []byte(sb.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
