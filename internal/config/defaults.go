package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultRestURL             = "https://discord.com/api/v10"
	DefaultVersion             = 10
	DefaultEncoding            = "json"
	DefaultTransport           = "gorilla"
	DefaultLargeThreshold      = 250
	DefaultAPITimeout          = 30 * time.Second
	DefaultMaxRetries          = 3
	DefaultHandshakeTimeout    = 30 * time.Second
	DefaultReconnectBaseDelay  = 1 * time.Second
	DefaultReconnectMaxDelay   = 60 * time.Second
	DefaultInvalidSessionDelay = 3 * time.Second
	DefaultWriteTimeout        = 5 * time.Second
	DefaultEventBuffer         = 10000
	DefaultBatchInterval       = 5 * time.Second
	DefaultDBPort              = 5432
	DefaultDBSSLMode           = "prefer"
	DefaultMaxConns            = 10
	DefaultMinConns            = 2
	DefaultBatchSize           = 1000
	DefaultFlushInterval       = 1 * time.Second
	DefaultBufferSize          = 10000
	DefaultPollInterval        = 5 * time.Minute
	DefaultMetricsPort         = 9090
	DefaultMetricsPath         = "/metrics"
	DefaultLogLevel            = "info"
)

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	// Gateway defaults
	if c.Gateway.RestURL == "" {
		c.Gateway.RestURL = DefaultRestURL
	}
	if c.Gateway.Version == 0 {
		c.Gateway.Version = DefaultVersion
	}
	if c.Gateway.Encoding == "" {
		c.Gateway.Encoding = DefaultEncoding
	}
	if c.Gateway.Transport == "" {
		c.Gateway.Transport = DefaultTransport
	}
	if c.Gateway.LargeThreshold == 0 {
		c.Gateway.LargeThreshold = DefaultLargeThreshold
	}
	if c.Gateway.APITimeout == 0 {
		c.Gateway.APITimeout = DefaultAPITimeout
	}
	if c.Gateway.MaxRetries == 0 {
		c.Gateway.MaxRetries = DefaultMaxRetries
	}

	// Session defaults
	if c.Session.HandshakeTimeout == 0 {
		c.Session.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Session.ReconnectBaseDelay == 0 {
		c.Session.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Session.ReconnectMaxDelay == 0 {
		c.Session.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Session.InvalidSessionDelay == 0 {
		c.Session.InvalidSessionDelay = DefaultInvalidSessionDelay
	}
	if c.Session.WriteTimeout == 0 {
		c.Session.WriteTimeout = DefaultWriteTimeout
	}
	if c.Session.EventBuffer == 0 {
		c.Session.EventBuffer = DefaultEventBuffer
	}

	// Sharding defaults; start_timeout stays 0 (wait indefinitely)
	if c.Sharding.BatchInterval == 0 {
		c.Sharding.BatchInterval = DefaultBatchInterval
	}

	// Archive defaults
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = DefaultBatchSize
	}
	if c.Archive.FlushInterval == 0 {
		c.Archive.FlushInterval = DefaultFlushInterval
	}
	if c.Archive.BufferSize == 0 {
		c.Archive.BufferSize = DefaultBufferSize
	}
	applyDBDefaults(&c.Archive.Database)

	if c.Poller.Interval == 0 {
		c.Poller.Interval = DefaultPollInterval
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
