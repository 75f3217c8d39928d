package am

import (
	"fmt"
	"time"

	"github.com/teranos/automaton/audience"
	"github.com/teranos/automaton/automation/delay"
	"github.com/teranos/automaton/deferred"
	"github.com/teranos/automaton/retryqueue"
)

// Config represents the automaton configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Deferred  DeferredConfig  `mapstructure:"deferred"`
	Device    DeviceConfig    `mapstructure:"device"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	Schedules SchedulesConfig `mapstructure:"schedules"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// EngineConfig configures the automation engine
type EngineConfig struct {
	RestoreOnStart  bool `mapstructure:"restore_on_start"`
	ExecutionPaused bool `mapstructure:"execution_paused"` // Watched at runtime
	// Seconds to wait before running an execution again after a retry result
	ExecuteRetrySeconds int `mapstructure:"execute_retry_seconds"`
	// Optional execution window: opens at each cron activation, stays open
	// for WindowMinutes. Empty means always open.
	WindowCron    string `mapstructure:"window_cron"`
	WindowMinutes int    `mapstructure:"window_minutes"`
}

// QueueConfig configures the retrying operation queue used by prepare
type QueueConfig struct {
	MaxConcurrentOperations int `mapstructure:"max_concurrent_operations"`
	MaxPendingResults       int `mapstructure:"max_pending_results"`
	InitialBackoffSeconds   int `mapstructure:"initial_backoff_seconds"`
	MaxBackoffSeconds       int `mapstructure:"max_backoff_seconds"`
}

// DeferredConfig configures the deferred payload resolver
type DeferredConfig struct {
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	AllowPrivateIPs   bool    `mapstructure:"allow_private_ips"` // Local development only
}

// DeviceConfig describes the device audience checks are evaluated against
type DeviceConfig struct {
	ChannelID         string   `mapstructure:"channel_id"`
	ContactID         string   `mapstructure:"contact_id"`
	Locale            string   `mapstructure:"locale"`
	AppVersion        string   `mapstructure:"app_version"`
	NotificationOptIn bool     `mapstructure:"notification_opt_in"`
	Tags              []string `mapstructure:"tags"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// BridgeConfig configures the WebSocket event bridge
type BridgeConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Address        string   `mapstructure:"address"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	PingSeconds    int      `mapstructure:"ping_seconds"`
}

// SchedulesConfig points at an optional schedule definitions file
type SchedulesConfig struct {
	File  string `mapstructure:"file"`
	Watch bool   `mapstructure:"watch"`
}

// Default addresses
const (
	DefaultMetricsAddress = ":9477"
	DefaultBridgeAddress  = "127.0.0.1:8787"
	DefaultDatabasePath   = "automaton.db"
)

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// RetryQueue returns the queue limits, falling back to retryqueue.DefaultConfig
// for unset values.
func (c *Config) RetryQueue() retryqueue.Config {
	cfg := retryqueue.DefaultConfig()
	if c.Queue.MaxConcurrentOperations > 0 {
		cfg.MaxConcurrentOperations = c.Queue.MaxConcurrentOperations
	}
	if c.Queue.MaxPendingResults > 0 {
		cfg.MaxPendingResults = c.Queue.MaxPendingResults
	}
	if c.Queue.InitialBackoffSeconds > 0 {
		cfg.InitialBackoff = time.Duration(c.Queue.InitialBackoffSeconds) * time.Second
	}
	if c.Queue.MaxBackoffSeconds > 0 {
		cfg.MaxBackoff = time.Duration(c.Queue.MaxBackoffSeconds) * time.Second
	}
	return cfg
}

// Resolver returns the deferred resolver settings. Zero values are filled in
// by deferred.NewHTTPResolver.
func (c *Config) Resolver() deferred.Config {
	return deferred.Config{
		Timeout:           time.Duration(c.Deferred.TimeoutSeconds) * time.Second,
		RequestsPerSecond: c.Deferred.RequestsPerSecond,
		Burst:             c.Deferred.Burst,
		AllowPrivateIPs:   c.Deferred.AllowPrivateIPs,
	}
}

// DeviceInfo returns the configured device snapshot.
func (c *Config) DeviceInfo() audience.DeviceInfo {
	return audience.DeviceInfo{
		ChannelID:         c.Device.ChannelID,
		ContactID:         c.Device.ContactID,
		Locale:            c.Device.Locale,
		AppVersion:        c.Device.AppVersion,
		NotificationOptIn: c.Device.NotificationOptIn,
		Tags:              c.Device.Tags,
	}
}

// ExecuteRetryInterval is zero when unset so the engine default applies.
func (c *Config) ExecuteRetryInterval() time.Duration {
	if c.Engine.ExecuteRetrySeconds <= 0 {
		return 0
	}
	return time.Duration(c.Engine.ExecuteRetrySeconds) * time.Second
}

// ExecutionWindow returns the configured window, or nil when none is set.
func (c *Config) ExecutionWindow() (delay.ExecutionWindow, error) {
	if c.Engine.WindowCron == "" {
		return nil, nil
	}
	return delay.CronWindow(c.Engine.WindowCron, time.Duration(c.Engine.WindowMinutes)*time.Minute)
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Engine: {ExecutionPaused: %t}, Metrics: %t, Bridge: %t}",
		c.Database.Path, c.Engine.ExecutionPaused, c.Metrics.Enabled, c.Bridge.Enabled)
}
