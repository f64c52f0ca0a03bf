// Package metrics exports shard health as Prometheus metrics.
//
// Key metrics:
//   - Per-shard state, reconnects and heartbeat latency
//   - Dispatch rates by event type
//   - Fatal closes by close code
//   - Session start limit remaining
package metrics
