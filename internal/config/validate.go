package config

import (
	"errors"
	"fmt"
	"log/slog"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Gateway.Token == "" {
		return errors.New("gateway.token is required")
	}
	switch c.Gateway.Encoding {
	case "json", "msgpack":
	default:
		return fmt.Errorf("gateway.encoding must be json or msgpack, got %q", c.Gateway.Encoding)
	}
	switch c.Gateway.Transport {
	case "gorilla", "nhooyr":
	default:
		return fmt.Errorf("gateway.transport must be gorilla or nhooyr, got %q", c.Gateway.Transport)
	}
	if c.Gateway.ShardCount < 0 {
		return errors.New("gateway.shard_count must be >= 0")
	}
	if c.Gateway.Intents != nil && *c.Gateway.Intents < 0 {
		return errors.New("gateway.intents must be >= 0")
	}
	if c.Gateway.LargeThreshold < 50 || c.Gateway.LargeThreshold > 250 {
		return fmt.Errorf("gateway.large_threshold must be between 50 and 250, got %d", c.Gateway.LargeThreshold)
	}

	if c.Session.HandshakeTimeout <= 0 {
		return errors.New("session.handshake_timeout must be positive")
	}
	if c.Session.ReconnectBaseDelay <= 0 {
		return errors.New("session.reconnect_base_delay must be positive")
	}
	if c.Session.ReconnectBaseDelay > c.Session.ReconnectMaxDelay {
		return fmt.Errorf("session.reconnect_base_delay (%s) cannot exceed reconnect_max_delay (%s)",
			c.Session.ReconnectBaseDelay, c.Session.ReconnectMaxDelay)
	}
	if c.Session.InvalidSessionDelay < 0 {
		return errors.New("session.invalid_session_delay must be >= 0")
	}
	if c.Session.WriteTimeout <= 0 {
		return errors.New("session.write_timeout must be positive")
	}
	if c.Session.EventBuffer < 1 {
		return errors.New("session.event_buffer must be >= 1")
	}

	if c.Sharding.BatchInterval < 0 {
		return errors.New("sharding.batch_interval must be >= 0")
	}
	if c.Sharding.StartTimeout < 0 {
		return errors.New("sharding.start_timeout must be >= 0")
	}

	if c.Archive.Enabled {
		if err := c.Archive.Database.validate("archive.database"); err != nil {
			return err
		}
		if c.Archive.BatchSize < 1 {
			return errors.New("archive.batch_size must be >= 1")
		}
		if c.Archive.BufferSize < 1 {
			return errors.New("archive.buffer_size must be >= 1")
		}
	}

	if c.Poller.Interval < 0 {
		return errors.New("poller.interval must be >= 0")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
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

// ParseLevel maps a log level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
