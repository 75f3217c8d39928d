package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)

	v.SetDefault("engine.restore_on_start", true)
	v.SetDefault("engine.execution_paused", false)
	v.SetDefault("engine.execute_retry_seconds", 30)
	v.SetDefault("engine.window_cron", "")
	v.SetDefault("engine.window_minutes", 0)

	// Retrying operation queue
	v.SetDefault("queue.max_concurrent_operations", 3)
	v.SetDefault("queue.max_pending_results", 2)
	v.SetDefault("queue.initial_backoff_seconds", 15)
	v.SetDefault("queue.max_backoff_seconds", 60)

	// Deferred resolver
	v.SetDefault("deferred.timeout_seconds", 15)
	v.SetDefault("deferred.requests_per_second", 2.0)
	v.SetDefault("deferred.burst", 4)
	v.SetDefault("deferred.allow_private_ips", false)

	v.SetDefault("device.locale", "en-US")
	v.SetDefault("device.notification_opt_in", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", DefaultMetricsAddress)

	v.SetDefault("bridge.enabled", false)
	v.SetDefault("bridge.address", DefaultBridgeAddress)
	v.SetDefault("bridge.allowed_origins", []string{
		"http://localhost",
		"http://127.0.0.1",
	})
	v.SetDefault("bridge.ping_seconds", 30)

	v.SetDefault("schedules.watch", true)
}

// BindSensitiveEnvVars explicitly binds configuration commonly overridden by
// deployments to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "AUTOMATON_DATABASE_PATH")
	v.BindEnv("device.channel_id", "AUTOMATON_CHANNEL_ID")
	v.BindEnv("device.contact_id", "AUTOMATON_CONTACT_ID")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return DefaultDatabasePath
	}
	return c.Database.Path
}

// GetMetricsAddress returns the metrics listen address
func (c *Config) GetMetricsAddress() string {
	if c.Metrics.Address == "" {
		return DefaultMetricsAddress
	}
	return c.Metrics.Address
}

// GetBridgeAddress returns the bridge listen address
func (c *Config) GetBridgeAddress() string {
	if c.Bridge.Address == "" {
		return DefaultBridgeAddress
	}
	return c.Bridge.Address
}
