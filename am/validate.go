package am

import "github.com/teranos/automaton/errors"

// Validate checks that the configuration is valid. Zero values mean "use
// the default"; negative values are rejected.
func (c *Config) Validate() error {
	if c.Queue.MaxConcurrentOperations < 0 {
		return errors.Newf("queue.max_concurrent_operations must be >= 0, got %d", c.Queue.MaxConcurrentOperations)
	}
	if c.Queue.MaxPendingResults < 0 {
		return errors.Newf("queue.max_pending_results must be >= 0, got %d", c.Queue.MaxPendingResults)
	}
	if c.Queue.InitialBackoffSeconds < 0 || c.Queue.MaxBackoffSeconds < 0 {
		return errors.New("queue backoff seconds must be >= 0")
	}
	if c.Queue.MaxBackoffSeconds > 0 && c.Queue.InitialBackoffSeconds > c.Queue.MaxBackoffSeconds {
		return errors.Newf("queue.initial_backoff_seconds (%d) exceeds queue.max_backoff_seconds (%d)",
			c.Queue.InitialBackoffSeconds, c.Queue.MaxBackoffSeconds)
	}

	if c.Deferred.TimeoutSeconds < 0 {
		return errors.Newf("deferred.timeout_seconds must be >= 0, got %d", c.Deferred.TimeoutSeconds)
	}
	if c.Deferred.RequestsPerSecond < 0 {
		return errors.Newf("deferred.requests_per_second must be >= 0, got %f", c.Deferred.RequestsPerSecond)
	}
	if c.Deferred.Burst < 0 {
		return errors.Newf("deferred.burst must be >= 0, got %d", c.Deferred.Burst)
	}

	if c.Engine.ExecuteRetrySeconds < 0 {
		return errors.Newf("engine.execute_retry_seconds must be >= 0, got %d", c.Engine.ExecuteRetrySeconds)
	}

	if _, err := c.ExecutionWindow(); err != nil {
		return err
	}

	// Ping keepalive: 0 disables, negative is invalid
	if c.Bridge.PingSeconds < 0 {
		return errors.Newf("bridge.ping_seconds must be >= 0, got %d", c.Bridge.PingSeconds)
	}

	return nil
}
