package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Server.RateLimit < 0 {
		return errors.New("server.rate_limit must be >= 0")
	}
	if c.Server.RateBurst < 1 {
		return errors.New("server.rate_burst must be >= 1")
	}
	if c.Server.MaxSubscriptions < 1 {
		return errors.New("server.max_subscriptions must be >= 1")
	}

	if c.Auth.PrivateKeyPath == "" {
		return errors.New("auth.private_key_path is required")
	}
	if c.Auth.TTL <= 0 {
		return errors.New("auth.ttl must be > 0")
	}

	switch c.Database.Driver {
	case "postgres":
		if err := c.Database.Postgres.validate("database.postgres"); err != nil {
			return err
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be postgres or memory, got %q", c.Database.Driver)
	}

	if c.Loader.Wait < 0 {
		return errors.New("loader.wait must be >= 0")
	}
	if c.Loader.MaxBatch < 0 {
		return errors.New("loader.max_batch must be >= 0")
	}
	if c.Loader.FlushConcurrency < 1 {
		return errors.New("loader.flush_concurrency must be >= 1")
	}

	if c.Router.QueueSize < 1 {
		return errors.New("router.queue_size must be >= 1")
	}
	switch c.Router.Overflow {
	case "disconnect", "drop_oldest":
	default:
		return fmt.Errorf("router.overflow must be disconnect or drop_oldest, got %q", c.Router.Overflow)
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

// Validate checks the watcher settings.
func (c *WatchConfig) Validate() error {
	if c.Client.URL == "" {
		return errors.New("client.url is required")
	}
	if c.Client.Token == "" {
		return errors.New("client.token is required")
	}
	if c.Client.ReconnectMaxWait < c.Client.ReconnectBaseWait {
		return fmt.Errorf("client.reconnect_max_wait (%v) cannot be below reconnect_base_wait (%v)",
			c.Client.ReconnectMaxWait, c.Client.ReconnectBaseWait)
	}
	if c.Client.JitterFactor < 0 || c.Client.JitterFactor > 1 {
		return fmt.Errorf("client.jitter_factor must be between 0 and 1, got %v", c.Client.JitterFactor)
	}
	if c.Client.StaleAfter <= c.Client.HeartbeatInterval {
		return errors.New("client.stale_after must exceed heartbeat_interval")
	}
	return nil
}
