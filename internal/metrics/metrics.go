// Package metrics provides process-wide Prometheus instrumentation: HTTP
// traffic, database pool and runtime gauges. Settlement metrics live next
// to the code that moves the money (orders, ledger, delivery, dispute,
// cryptoescrow) and are served from the same registry.
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
			Namespace: "settlement",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settlement",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
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
			collectDBStats(db.Stats())
		}
	}
}

func collectDBStats(stats sql.DBStats) {
	DBOpenConnections.Set(float64(stats.OpenConnections))
	DBIdleConnections.Set(float64(stats.Idle))
	DBInUseConnections.Set(float64(stats.InUse))
	DBWaitCount.Set(float64(stats.WaitCount))
	DBWaitDuration.Set(stats.WaitDuration.Seconds())
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Route pattern, not the raw path: order ids must not become labels.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
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
