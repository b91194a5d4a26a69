// Package metrics provides Prometheus instrumentation for the Parley node.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "parley",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OpenDisputes tracks disputes not yet closed in the local registry.
	OpenDisputes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "parley",
		Name:      "open_disputes",
		Help:      "Number of open disputes in the local registry.",
	})

	// MessagesDispatched counts inbound protocol messages by type.
	MessagesDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "messages_dispatched_total",
			Help:      "Total inbound dispute protocol messages by type.",
		},
		[]string{"type"},
	)

	// MessagesDropped counts messages dropped without effect by reason
	// (protocol_violation, duplicate, retry_exhausted).
	MessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "messages_dropped_total",
			Help:      "Total dispute protocol messages dropped by reason.",
		},
		[]string{"reason"},
	)

	// RetriesScheduled counts one-shot retries scheduled for messages that
	// referenced a not-yet-known dispute.
	RetriesScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "parley",
		Name:      "retries_scheduled_total",
		Help:      "Total one-shot message retries scheduled.",
	})

	// Settlements counts payout settlement attempts by outcome
	// (broadcast, forwarded, not_broadcaster, deposit_missing,
	// verification_failed, broadcast_failed).
	Settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "settlements_total",
			Help:      "Total payout settlement attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// DeliveryOutcomes counts terminal transport outcomes for outbound
	// messages (arrived, mailboxed, fault).
	DeliveryOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "delivery_outcomes_total",
			Help:      "Total outbound message delivery outcomes.",
		},
		[]string{"outcome"},
	)

	// AcksReceived counts inbound ACKs by result.
	AcksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "acks_received_total",
			Help:      "Total ACK messages received by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "parley",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "parley", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "parley", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "parley", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OpenDisputes,
		MessagesDispatched,
		MessagesDropped,
		RetriesScheduled,
		Settlements,
		DeliveryOutcomes,
		AcksReceived,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime
// goroutine count into gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not actual path, to cap cardinality
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
