package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "mesh_gateway"

// Metrics is the gateway's instrumentation. Each gateway owns its own
// registry so tests can run many instances in one process.
type Metrics struct {
	registry *prometheus.Registry

	Connections       prometheus.Gauge
	MessagesIn        *prometheus.CounterVec
	MessagesOut       *prometheus.CounterVec
	Errors            *prometheus.CounterVec
	RateLimited       prometheus.Counter
	QueueDrops        prometheus.Counter
	Expired           prometheus.Counter
	HeartbeatTimeouts prometheus.Counter
	StoreFailures     prometheus.Counter
	PongLatency       prometheus.Histogram
}

// NewMetrics builds and registers the gateway metric set.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Live WebSocket connections.",
		}),
		MessagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_in_total",
			Help:      "Inbound envelopes accepted, by type.",
		}, []string{"type"}),
		MessagesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_out_total",
			Help:      "Outbound envelopes enqueued, by type.",
		}, []string{"type"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "errors_total",
			Help:      "Error envelopes sent to peers, by wire code.",
		}, []string{"code"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ratelimit_drops_total",
			Help:      "Messages refused by the rate limiter.",
		}),
		QueueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "send_queue_drops_total",
			Help:      "Messages evicted or refused by full send queues.",
		}),
		Expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "expired_total",
			Help:      "Envelopes dropped because their TTL had passed.",
		}),
		HeartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "heartbeat_disconnects_total",
			Help:      "Connections drained for missing heartbeat acks.",
		}),
		StoreFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "store_failures_total",
			Help:      "Shared store operations that failed outright.",
		}),
		PongLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "pong_latency_seconds",
			Help:      "Round trip of gateway pings to peer pongs.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		m.Connections, m.MessagesIn, m.MessagesOut, m.Errors,
		m.RateLimited, m.QueueDrops, m.Expired, m.HeartbeatTimeouts,
		m.StoreFailures, m.PongLatency,
	)

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
