// Package metrics provides Prometheus instrumentation for the duel arena.
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
			Namespace: "duelarena",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "duelarena",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DuelsCreatedTotal counts challenges created by duel type.
	DuelsCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duelarena",
		Name:      "duels_created_total",
		Help:      "Total duel challenges created by type.",
	}, []string{"type"})

	// DuelsTerminalTotal counts duels reaching a terminal status.
	DuelsTerminalTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duelarena",
		Name:      "duels_terminal_total",
		Help:      "Total duels reaching a terminal status, by status.",
	}, []string{"status"})

	// DuelResolutionDuration observes time from challenge to completion.
	DuelResolutionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "duelarena",
		Name:      "duel_resolution_duration_seconds",
		Help:      "Time from duel creation to resolution in seconds.",
		Buckets:   []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
	})

	// CompensationsTotal counts compensation attempts after failed settles.
	CompensationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duelarena",
		Name:      "compensations_total",
		Help:      "Escrow compensation attempts after a failed settle, by outcome.",
	}, []string{"outcome"})

	// ManualReconciliationTotal counts the one accepted non-atomic edge case:
	// a compensation that itself partially failed and needs an operator.
	ManualReconciliationTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "duelarena",
		Name:      "manual_reconciliation_total",
		Help:      "Partial compensation failures requiring manual reconciliation.",
	})

	// TimerFiredTotal counts distributed timer firings by kind.
	TimerFiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duelarena",
		Name:      "timer_fired_total",
		Help:      "Distributed timer firings by kind (deadline, warning).",
	}, []string{"kind"})

	// TimerScheduleDroppedTotal counts schedules dropped because the shared
	// ordered store was unreachable.
	TimerScheduleDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "duelarena",
		Name:      "timer_schedule_dropped_total",
		Help:      "Timer schedules dropped due to an unreachable shared store.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "duelarena",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "duelarena", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "duelarena", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "duelarena", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DuelsCreatedTotal,
		DuelsTerminalTotal,
		DuelResolutionDuration,
		CompensationsTotal,
		ManualReconciliationTotal,
		TimerFiredTotal,
		TimerScheduleDroppedTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
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
			c.FullPath(), // Route pattern, not actual path (avoids cardinality explosion)
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

// Handler returns the Prometheus metrics HTTP handler for the /metrics endpoint.
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
