package shard

import (
	"context"
	"errors"
	"time"

	"github.com/rickgao/gateway-shards/internal/api"
	"github.com/rickgao/gateway-shards/internal/session"
)

// Errors
var (
	ErrUnknownShard = errors.New("unknown shard")
	ErrInvalidRange = errors.New("invalid shard range")
)

// Lookup resolves gateway connection parameters.
// *api.Client implements it.
type Lookup interface {
	GatewayBot(ctx context.Context) (*api.GatewayBot, error)
}

// Config configures a Manager.
type Config struct {
	Token      string
	ShardCount int // 0 uses the recommended count
	Version    int

	// Session is the template for every shard's session. ShardID,
	// ShardCount, Token, URL and Version are filled in per shard.
	Session session.Config

	BatchInterval time.Duration // Minimum gap between the last ready and the next batch
	StartTimeout  time.Duration // Max wait for one batch; 0 waits indefinitely
	EventBuffer   int           // Capacity of the merged event channels
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Version:       10,
		Session:       session.DefaultConfig(),
		BatchInterval: 5 * time.Second,
		StartTimeout:  2 * time.Minute,
		EventBuffer:   10000,
	}
}

// Stats summarizes the shard fleet.
type Stats struct {
	ShardCount int
	Started    int
	Ready      int
	Shards     []session.Snapshot // Ordered by shard id
}
