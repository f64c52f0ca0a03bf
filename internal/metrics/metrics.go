package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/gateway-shards/internal/api"
	"github.com/rickgao/gateway-shards/internal/session"
)

const namespace = "gateway"

// Collector holds the gateway metrics and the registry serving them.
type Collector struct {
	registry *prometheus.Registry

	// shardState is 1 for the shard's current state and 0 for the others.
	shardState *prometheus.GaugeVec

	// heartbeatLatency observes the time between a heartbeat and its ack.
	heartbeatLatency *prometheus.HistogramVec

	connections *prometheus.CounterVec // Opened sockets per shard
	closes      *prometheus.CounterVec // Closes per shard and code
	fatals      *prometheus.CounterVec
	handshakes  *prometheus.CounterVec
	dispatches  *prometheus.CounterVec

	startLimitRemaining prometheus.Gauge
	startLimitTotal     prometheus.Gauge
	maxConcurrency      prometheus.Gauge
}

var states = []session.State{
	session.StateIdle,
	session.StateConnecting,
	session.StateAwaitingHello,
	session.StateIdentifying,
	session.StateResuming,
	session.StateReady,
	session.StateClosing,
	session.StateReconnecting,
}

// NewCollector creates the metrics on a fresh registry that also carries
// the Go and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		shardState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shard_state",
			Help:      "Current session state per shard (1 for the active state).",
		}, []string{"shard", "state"}),
		heartbeatLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "heartbeat_latency_seconds",
			Help:      "Time from heartbeat to acknowledgement.",
			Buckets:   []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"shard"}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Sockets opened per shard.",
		}, []string{"shard"}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "closes_total",
			Help:      "Socket closes per shard and close code.",
		}, []string{"shard", "code"}),
		fatals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fatal_total",
			Help:      "Sessions stopped by a fatal close.",
		}, []string{"shard"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Completed handshakes per shard, by kind (identify or resume).",
		}, []string{"shard", "kind"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Dispatch events received, by event type.",
		}, []string{"event"}),
		startLimitRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_start_remaining",
			Help:      "Identifies left in the current session start window.",
		}),
		startLimitTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_start_total",
			Help:      "Identifies allowed per session start window.",
		}),
		maxConcurrency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_start_max_concurrency",
			Help:      "Shards allowed to identify concurrently.",
		}),
	}

	c.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		c.shardState,
		c.heartbeatLatency,
		c.connections,
		c.closes,
		c.fatals,
		c.handshakes,
		c.dispatches,
		c.startLimitRemaining,
		c.startLimitTotal,
		c.maxConcurrency,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveLifecycle updates metrics from one lifecycle notification.
func (c *Collector) ObserveLifecycle(ev session.Lifecycle) {
	shard := strconv.Itoa(ev.Shard)

	switch ev.Kind {
	case session.LifecycleStateChanged:
		for _, s := range states {
			v := 0.0
			if s == ev.State {
				v = 1
			}
			c.shardState.WithLabelValues(shard, s.String()).Set(v)
		}
	case session.LifecycleConnectionOpened:
		c.connections.WithLabelValues(shard).Inc()
	case session.LifecycleConnectionClosed:
		c.closes.WithLabelValues(shard, strconv.Itoa(ev.Code)).Inc()
	case session.LifecycleFatal:
		c.fatals.WithLabelValues(shard).Inc()
	case session.LifecycleHandshakeDone:
		kind := "identify"
		if ev.Resumed {
			kind = "resume"
		}
		c.handshakes.WithLabelValues(shard, kind).Inc()
	case session.LifecycleHeartbeatAcked:
		c.heartbeatLatency.WithLabelValues(shard).Observe(ev.Latency.Seconds())
	}
}

// ObserveDispatch counts one dispatch event.
func (c *Collector) ObserveDispatch(d session.Dispatch) {
	c.dispatches.WithLabelValues(d.Type).Inc()
}

// ObserveStartLimit records the session start limit from a gateway lookup.
func (c *Collector) ObserveStartLimit(limit api.SessionStartLimit) {
	c.startLimitRemaining.Set(float64(limit.Remaining))
	c.startLimitTotal.Set(float64(limit.Total))
	c.maxConcurrency.Set(float64(limit.MaxConcurrency))
}
