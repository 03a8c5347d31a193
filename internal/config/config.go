package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Store names used across the repository
const (
	StoreMain     = "main"
	StoreModified = "modified"
	StoreInserted = "inserted"
)

// Config represents the main TheatreBlood configuration
type Config struct {
	// Data directory holding the store files
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Stores
	Stores StoresConfig `json:"stores" mapstructure:"stores"`

	// Remote donor source
	Remote RemoteConfig `json:"remote" mapstructure:"remote"`

	// Refresh scheduling
	Refresh RefreshConfig `json:"refresh" mapstructure:"refresh"`

	// Search defaults
	Search SearchConfig `json:"search" mapstructure:"search"`

	// Gateway (presentation feed) configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Scripts run on repository events
	Hooks HooksConfig `json:"hooks" mapstructure:"hooks"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// StoresConfig lists the stores opened at process start
type StoresConfig struct {
	Names []string `json:"names" mapstructure:"names"`
	// Writes queued longer than this are logged; 0 disables the report
	WriteWarnAfterSeconds int `json:"write_warn_after_seconds" mapstructure:"write_warn_after_seconds"`
}

// WriteWarnAfter returns the slow-write threshold as a duration
func (s StoresConfig) WriteWarnAfter() time.Duration {
	return time.Duration(s.WriteWarnAfterSeconds) * time.Second
}

// RemoteConfig holds the remote donor source settings
type RemoteConfig struct {
	BaseURL        string `json:"base_url" mapstructure:"base_url"`
	APIKey         string `json:"api_key" mapstructure:"api_key"`
	Language       string `json:"language" mapstructure:"language"`
	PageSize       int    `json:"page_size" mapstructure:"page_size"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// Timeout returns the fetch timeout as a duration
func (r RemoteConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// RefreshConfig holds periodic refresh settings
type RefreshConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Schedule string `json:"schedule" mapstructure:"schedule"` // 5-field cron expression
	Store    string `json:"store" mapstructure:"store"`
	OnStart  bool   `json:"on_start" mapstructure:"on_start"`
}

// SearchConfig holds search defaults
type SearchConfig struct {
	Stores []string `json:"stores" mapstructure:"stores"` // iteration order decides dedup winners
}

// GatewayConfig holds the websocket feed server configuration
type GatewayConfig struct {
	Enabled             bool   `json:"enabled" mapstructure:"enabled"`
	Port                int    `json:"port" mapstructure:"port"`
	Host                string `json:"host" mapstructure:"host"`
	SharedSecret        string `json:"shared_secret" mapstructure:"shared_secret"` // empty disables auth
	TickIntervalSeconds int    `json:"tick_interval_seconds" mapstructure:"tick_interval_seconds"`
}

// TickInterval returns the heartbeat period as a duration
func (g GatewayConfig) TickInterval() time.Duration {
	return time.Duration(g.TickIntervalSeconds) * time.Second
}

// HooksConfig holds event hook settings
type HooksConfig struct {
	Enabled bool         `json:"enabled" mapstructure:"enabled"`
	Hooks   []HookConfig `json:"hooks" mapstructure:"hooks"`
}

// HookConfig runs Script when an event of type Event ("*" for any) is published
type HookConfig struct {
	ID             string `json:"id" mapstructure:"id"`
	Event          string `json:"event" mapstructure:"event"`
	Script         string `json:"script" mapstructure:"script"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	Enabled        bool   `json:"enabled" mapstructure:"enabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Stores: StoresConfig{
			Names:                 []string{StoreMain, StoreModified, StoreInserted},
			WriteWarnAfterSeconds: 5,
		},
		Remote: RemoteConfig{
			Language:       "en",
			PageSize:       13,
			TimeoutSeconds: 15,
		},
		Refresh: RefreshConfig{
			Enabled:  false,
			Schedule: "0 3 * * *",
			Store:    StoreMain,
		},
		Search: SearchConfig{
			Stores: []string{StoreModified, StoreInserted, StoreMain},
		},
		Gateway: GatewayConfig{
			Enabled:             false,
			Port:                8080,
			Host:                "127.0.0.1",
			TickIntervalSeconds: 30,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// HasStore reports whether name is one of the configured stores
func (c *Config) HasStore(name string) bool {
	for _, n := range c.Stores.Names {
		if n == name {
			return true
		}
	}
	return false
}

// Validate checks the settings every command depends on
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if len(c.Stores.Names) == 0 {
		return fmt.Errorf("at least one store must be configured")
	}
	if !c.HasStore(c.Refresh.Store) {
		return fmt.Errorf("refresh store %q is not a configured store", c.Refresh.Store)
	}
	for _, name := range c.Search.Stores {
		if !c.HasStore(name) {
			return fmt.Errorf("search store %q is not a configured store", name)
		}
	}
	if c.Refresh.Enabled && c.Remote.BaseURL == "" {
		return fmt.Errorf("remote base_url is required when refresh is enabled")
	}
	return nil
}
