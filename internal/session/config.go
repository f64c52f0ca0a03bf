package session

import (
	"time"

	"github.com/rickgao/gateway-shards/internal/protocol"
)

// Config configures a Session.
type Config struct {
	ShardID    int
	ShardCount int
	Token      string
	URL        string // Initial socket URL, including version and encoding
	Version    int    // Protocol version added to resume URLs

	Intents        *int
	LargeThreshold int
	Properties     protocol.IdentifyProperties

	HandshakeTimeout    time.Duration // Socket open until Ready
	WriteTimeout        time.Duration // Per outbound frame
	InvalidSessionDelay time.Duration // Wait before re-identifying after a non-resumable op 9
	Backoff             BackoffConfig

	// Jitter returns the fraction of the heartbeat interval to wait before
	// the first heartbeat of each connection. Nil means uniform [0,1).
	Jitter func() float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ShardCount:          1,
		Version:             10,
		LargeThreshold:      250,
		HandshakeTimeout:    30 * time.Second,
		WriteTimeout:        5 * time.Second,
		InvalidSessionDelay: 3 * time.Second,
		Backoff:             DefaultBackoffConfig(),
	}
}
