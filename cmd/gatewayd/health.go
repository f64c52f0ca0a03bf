package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rickgao/gateway-shards/internal/session"
	"github.com/rickgao/gateway-shards/internal/shard"
)

type statsSource interface {
	Stats() shard.Stats
}

type pinger interface {
	Ping(ctx context.Context) error
}

type shardHealth struct {
	Shard            int     `json:"shard"`
	State            string  `json:"state"`
	Sequence         *int64  `json:"sequence,omitempty"`
	SessionID        string  `json:"session_id,omitempty"`
	HeartbeatLatency float64 `json:"heartbeat_latency_ms"`
	Reconnects       int     `json:"reconnects"`
	Error            string  `json:"error,omitempty"`
}

func toShardHealth(snap session.Snapshot) shardHealth {
	h := shardHealth{
		Shard:            snap.Shard,
		State:            snap.State.String(),
		SessionID:        snap.SessionID,
		HeartbeatLatency: float64(snap.HeartbeatLatency) / float64(time.Millisecond),
		Reconnects:       snap.Reconnects,
	}
	if snap.HasSequence {
		seq := snap.Sequence
		h.Sequence = &seq
	}
	if snap.Err != nil {
		h.Error = snap.Err.Error()
	}
	return h
}

// newHealthHandler serves /health, /debug/shards and the metrics endpoint.
// db may be nil when the archive is disabled.
func newHealthHandler(shards statsSource, db pinger, metricsHandler http.Handler, metricsPath string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, metricsHandler)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		stats := shards.Stats()
		health.Components["shards"] = map[string]int{
			"total":   stats.ShardCount,
			"started": stats.Started,
			"ready":   stats.Ready,
		}
		switch {
		case stats.Ready == 0:
			health.Status = "unhealthy"
		case stats.Ready < stats.ShardCount:
			health.Status = "degraded"
		}

		if db != nil {
			if err := db.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["archive"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["archive"] = "connected"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/shards", func(w http.ResponseWriter, r *http.Request) {
		stats := shards.Stats()
		out := make([]shardHealth, 0, len(stats.Shards))
		for _, snap := range stats.Shards {
			out = append(out, toShardHealth(snap))
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"shard_count": stats.ShardCount,
			"shards":      out,
		})
	})

	return mux
}
