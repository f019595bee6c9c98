package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics scraped from /metrics.
var (
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slowplay_connections_total",
		Help: "Total WebSocket connections established",
	})

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "slowplay_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slowplay_connections_rejected_total",
		Help: "Connection attempts rejected, by reason",
	}, []string{"reason"})

	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "slowplay_rooms_active",
		Help: "Current number of live in-memory rooms",
	})

	MessagesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slowplay_messages_accepted_total",
		Help: "Total chat messages accepted by the server",
	})

	MessagesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slowplay_messages_delivered_total",
		Help: "Total chat message deliveries, immediate vs delayed",
	}, []string{"mode"})

	ClientErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slowplay_client_errors_total",
		Help: "Error replies sent to clients, by kind",
	}, []string{"kind"})

	MessagesRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slowplay_messages_rate_limited_total",
		Help: "Total send-message events rejected by the rate limiter",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "slowplay_delay_queue_depth",
		Help: "Total pending entries across all per-socket delay queues",
	})

	QueueEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slowplay_delay_queue_evictions_total",
		Help: "Delay queue entries evicted because a socket queue hit its cap",
	})

	QueueDispatchLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "slowplay_delay_queue_dispatch_lag_seconds",
		Help:    "Lag between a delay entry's deadline and its emission",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
	})

	SessionsReconnected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slowplay_sessions_reconnected_total",
		Help: "Joins that resumed an existing durable session",
	})

	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slowplay_sessions_expired_total",
		Help: "Sockets dropped by the idle sweeper",
	})

	StoreWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slowplay_store_write_failures_total",
		Help: "Fire-and-forget store writes that failed after retries, by operation",
	}, []string{"op"})
)

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
