package router

import "github.com/rickgao/gateway-shards/internal/session"

// RouterConfig holds configuration for the Router.
type RouterConfig struct {
	BufferSize int // Initial capacity of each subscription buffer. Default: 1000

	// Observer, if set, sees every dispatch before it is routed. It runs
	// on the routing goroutine and must not block.
	Observer func(session.Dispatch)
}

// DefaultRouterConfig returns default configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		BufferSize: 1000,
	}
}

// RouterStats contains runtime statistics.
type RouterStats struct {
	Received      int64
	Routed        int64 // Deliveries, one per matching subscription
	Unrouted      int64 // Dispatches no subscription wanted
	Events        map[string]int64
	Subscriptions map[string]BufferStats
}
