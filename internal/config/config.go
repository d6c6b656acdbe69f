// Package config handles configuration loading and validation for sharegrid.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/tunnelmesh/sharegrid/internal/mutable"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendPebble = "pebble"
)

// EncodingConfig holds the erasure-coding parameters for new files.
type EncodingConfig struct {
	RequiredShares int `yaml:"required_shares"` // k (default: 3)
	TotalShares    int `yaml:"total_shares"`    // N (default: 10)
}

// UpdaterConfig tunes servermap updates.
type UpdaterConfig struct {
	Epsilon      int    `yaml:"epsilon"` // 0 means k
	MaxInFlight  int    `yaml:"max_in_flight"`
	ReadSize     int    `yaml:"read_size"`
	QueryTimeout string `yaml:"query_timeout"` // Duration string, e.g. "30s"
}

// PublishConfig tunes share placement.
type PublishConfig struct {
	WriteTimeout string `yaml:"write_timeout"` // Duration string, e.g. "30s"
	MaxFileSize  string `yaml:"max_file_size"` // Size string, e.g. "3MB"
}

// StorageConfig holds configuration for the local storage server.
type StorageConfig struct {
	Listen    string  `yaml:"listen"`
	Backend   string  `yaml:"backend"`  // memory or pebble
	DataDir   string  `yaml:"data_dir"` // Pebble directory (default: ~/.sharegrid/storage)
	NodeKey   string  `yaml:"node_key"` // ED25519 key the node id is derived from
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// PeerConfig names one remote storage server.
type PeerConfig struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
}

// GridConfig is the top-level configuration for a grid client or storage node.
type GridConfig struct {
	LogLevel string         `yaml:"log_level"`
	Encoding EncodingConfig `yaml:"encoding"`
	Updater  UpdaterConfig  `yaml:"updater"`
	Publish  PublishConfig  `yaml:"publish"`
	Storage  StorageConfig  `yaml:"storage"`
	Peers    []PeerConfig   `yaml:"peers"`
}

// Default returns a configuration with every default applied.
func Default() *GridConfig {
	cfg := &GridConfig{}
	cfg.applyDefaults()
	return cfg
}

// LoadGridConfig loads grid configuration from a YAML file.
func LoadGridConfig(path string) (*GridConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &GridConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *GridConfig) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Encoding.RequiredShares == 0 {
		c.Encoding.RequiredShares = mutable.DefaultRequiredShares
	}
	if c.Encoding.TotalShares == 0 {
		c.Encoding.TotalShares = mutable.DefaultTotalShares
	}
	if c.Updater.MaxInFlight == 0 {
		c.Updater.MaxInFlight = mutable.DefaultMaxInFlight
	}
	if c.Updater.ReadSize == 0 {
		c.Updater.ReadSize = mutable.DefaultReadSize
	}
	if c.Updater.QueryTimeout == "" {
		c.Updater.QueryTimeout = mutable.DefaultQueryTimeout.String()
	}
	if c.Publish.WriteTimeout == "" {
		c.Publish.WriteTimeout = mutable.DefaultWriteTimeout.String()
	}
	if c.Publish.MaxFileSize == "" {
		c.Publish.MaxFileSize = strconv.Itoa(mutable.DefaultMaxFileSize)
	}
	if c.Storage.Listen == "" {
		c.Storage.Listen = ":3456"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendMemory
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "~/.sharegrid/storage"
	}
	if c.Storage.NodeKey == "" {
		c.Storage.NodeKey = "~/.sharegrid/node_ed25519"
	}
	c.Storage.DataDir = expandHome(c.Storage.DataDir)
	c.Storage.NodeKey = expandHome(c.Storage.NodeKey)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}

// Validate checks if the grid configuration is valid.
func (c *GridConfig) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	k, n := c.Encoding.RequiredShares, c.Encoding.TotalShares
	if k < 1 || n > 255 || k > n {
		return fmt.Errorf("encoding must satisfy 1 <= required_shares <= total_shares <= 255, got %d of %d", k, n)
	}
	if c.Updater.Epsilon < 0 {
		return fmt.Errorf("updater.epsilon must not be negative")
	}
	if c.Updater.MaxInFlight < 1 {
		return fmt.Errorf("updater.max_in_flight must be at least 1")
	}
	if _, err := time.ParseDuration(c.Updater.QueryTimeout); err != nil {
		return fmt.Errorf("invalid updater.query_timeout: %w", err)
	}
	if _, err := time.ParseDuration(c.Publish.WriteTimeout); err != nil {
		return fmt.Errorf("invalid publish.write_timeout: %w", err)
	}
	if size, err := parseSize(c.Publish.MaxFileSize); err != nil || size <= 0 {
		return fmt.Errorf("invalid publish.max_file_size %q", c.Publish.MaxFileSize)
	}
	switch c.Storage.Backend {
	case BackendMemory, BackendPebble:
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q", BackendMemory, BackendPebble, c.Storage.Backend)
	}
	if c.Storage.RateLimit < 0 || c.Storage.RateBurst < 0 {
		return fmt.Errorf("storage.rate_limit and storage.rate_burst must not be negative")
	}

	seen := make(map[string]bool, len(c.Peers))
	for i, p := range c.Peers {
		if p.ID == "" {
			return fmt.Errorf("peers[%d].id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate peer id %q", p.ID)
		}
		seen[p.ID] = true
		u, err := url.Parse(p.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("peers[%d].url must be an http(s) URL, got %q", i, p.URL)
		}
	}
	return nil
}

// MutableConfig builds the in-code configuration for mutable file operations.
// Call Validate first; unparsable values fall back to the defaults.
func (c *GridConfig) MutableConfig(logger zerolog.Logger) mutable.Config {
	queryTimeout, _ := time.ParseDuration(c.Updater.QueryTimeout)
	writeTimeout, _ := time.ParseDuration(c.Publish.WriteTimeout)
	maxFileSize, _ := parseSize(c.Publish.MaxFileSize)
	return mutable.Config{
		RequiredShares: c.Encoding.RequiredShares,
		TotalShares:    c.Encoding.TotalShares,
		Epsilon:        c.Updater.Epsilon,
		MaxInFlight:    c.Updater.MaxInFlight,
		ReadSize:       c.Updater.ReadSize,
		QueryTimeout:   queryTimeout,
		WriteTimeout:   writeTimeout,
		MaxFileSize:    maxFileSize,
		Logger:         logger,
	}
}

// ApplyLogLevel sets the global zerolog level if level parses.
// It reports whether the level was applied.
func ApplyLogLevel(level string) bool {
	if level == "" {
		return false
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return false
	}
	zerolog.SetGlobalLevel(parsed)
	return true
}
