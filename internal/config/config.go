package config

import "time"

// Config is the root configuration for a gatewayd instance.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Session  SessionConfig  `yaml:"session"`
	Sharding ShardingConfig `yaml:"sharding"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Poller   PollerConfig   `yaml:"poller"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// GatewayConfig holds credentials and protocol settings.
type GatewayConfig struct {
	Token          string        `yaml:"token"`
	RestURL        string        `yaml:"rest_url"`
	Version        int           `yaml:"version"`
	Encoding       string        `yaml:"encoding"`    // "json" or "msgpack"
	Transport      string        `yaml:"transport"`   // "gorilla" or "nhooyr"
	ShardCount     int           `yaml:"shard_count"` // 0 uses the recommended count
	Intents        *int          `yaml:"intents"`
	LargeThreshold int           `yaml:"large_threshold"`
	APITimeout     time.Duration `yaml:"api_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
}

// SessionConfig holds per-shard connection settings.
type SessionConfig struct {
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout"`
	ReconnectBaseDelay  time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay   time.Duration `yaml:"reconnect_max_delay"`
	InvalidSessionDelay time.Duration `yaml:"invalid_session_delay"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	EventBuffer         int           `yaml:"event_buffer"`
}

// ShardingConfig holds startup batching settings.
type ShardingConfig struct {
	BatchInterval time.Duration `yaml:"batch_interval"`
	StartTimeout  time.Duration `yaml:"start_timeout"` // 0 waits indefinitely
}

// ArchiveConfig holds the dispatch archive writer settings.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Events        []string      `yaml:"events"` // Empty archives every event
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
	Database      DBConfig      `yaml:"database"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// PollerConfig holds the session start limit poller settings.
type PollerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}
