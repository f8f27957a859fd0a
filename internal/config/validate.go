package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := c.Provider.validate("provider"); err != nil {
		return err
	}

	if c.WebSocket.PingInterval < 0 {
		return errors.New("websocket.ping_interval must be >= 0")
	}
	if c.WebSocket.PingTimeout > 0 && c.WebSocket.PingTimeout < c.WebSocket.PingInterval {
		return fmt.Errorf("websocket.ping_timeout (%s) must not be shorter than ping_interval (%s)",
			c.WebSocket.PingTimeout, c.WebSocket.PingInterval)
	}
	if c.WebSocket.ReadLimit < 0 {
		return errors.New("websocket.read_limit must be >= 0")
	}

	if (c.Auth.KeyID == "") != (c.Auth.PrivateKeyPath == "") && c.Auth.BearerToken == "" {
		return errors.New("auth.key_id and auth.private_key_path must be set together")
	}

	if c.Writer.Enabled {
		if err := c.Database.Postgres.validate("database.postgres"); err != nil {
			return err
		}
		if c.Writer.BatchSize < 1 {
			return errors.New("writer.batch_size must be >= 1")
		}
		if c.Writer.FlushInterval <= 0 {
			return errors.New("writer.flush_interval must be > 0")
		}
	}

	if c.Poller.Concurrency < 1 {
		return errors.New("poller.concurrency must be >= 1")
	}
	if c.Poller.Interval <= 0 {
		return errors.New("poller.interval must be > 0")
	}
	for i, call := range c.Poller.Calls {
		if call.Method == "" {
			return fmt.Errorf("poller.calls[%d].method is required", i)
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}

	return nil
}

func (p *ProviderConfig) validate(prefix string) error {
	if p.Endpoint == "" {
		return fmt.Errorf("%s.endpoint is required", prefix)
	}
	u, err := url.Parse(p.Endpoint)
	if err != nil {
		return fmt.Errorf("%s.endpoint: %w", prefix, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%s.endpoint must use ws or wss, got %q", prefix, u.Scheme)
	}
	if p.MaxRetries < 1 {
		return fmt.Errorf("%s.max_retries must be >= 1", prefix)
	}
	if p.RetryMultiplier < 1 {
		return fmt.Errorf("%s.retry_multiplier must be >= 1", prefix)
	}
	if p.RequestTimeout <= 0 {
		return fmt.Errorf("%s.request_timeout must be > 0", prefix)
	}
	if p.CacheSize < 1 {
		return fmt.Errorf("%s.cache_size must be >= 1", prefix)
	}
	if p.DedupSize < 1 {
		return fmt.Errorf("%s.dedup_size must be >= 1", prefix)
	}
	if p.QueueSize < 1 {
		return fmt.Errorf("%s.queue_size must be >= 1", prefix)
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
