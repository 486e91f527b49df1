// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"strconv"
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

	// TransactionsTotal counts ledger transactions by type.
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "wallet_transactions_total",
			Help:      "Total wallet ledger transactions by type.",
		},
		[]string{"type"},
	)

	// EscrowsTotal counts escrow state transitions by resulting status.
	EscrowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "escrows_total",
			Help:      "Total escrow transitions by resulting status.",
		},
		[]string{"status"},
	)

	// AuctionsCompletedTotal counts auctions settled through the facade.
	AuctionsCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "auctions_completed_total",
		Help:      "Total auctions completed with escrow.",
	})

	// EscrowAutoReleasedTotal counts escrows released by the sweep timer.
	EscrowAutoReleasedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "escrow_auto_released_total",
		Help:      "Total escrows auto-released after the hold period.",
	})

	// EscrowDuration observes time from escrow creation to resolution.
	EscrowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "settlement",
		Name:      "escrow_duration_seconds",
		Help:      "Time from escrow creation to resolution in seconds.",
		Buckets:   []float64{60, 600, 3600, 21600, 86400, 259200, 604800, 1209600, 2592000},
	})

	// CommissionCollected accumulates commission retained at release.
	CommissionCollected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "commission_collected_total",
		Help:      "Total commission retained at escrow release, in currency units.",
	})

	// ReconciliationRunsTotal counts ledger reconciliation sweeps by result.
	ReconciliationRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "reconciliation_runs_total",
			Help:      "Total reconciliation sweeps by result.",
		},
		[]string{"result"},
	)

	// ReconciliationMismatches tracks wallets whose ledger replay disagrees
	// with the stored balance, as of the last sweep.
	ReconciliationMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement",
		Name:      "reconciliation_mismatched_wallets",
		Help:      "Wallets with ledger/balance mismatches in the last sweep.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "settlement",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
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
		TransactionsTotal,
		EscrowsTotal,
		AuctionsCompletedTotal,
		EscrowAutoReleasedTotal,
		EscrowDuration,
		CommissionCollected,
		ReconciliationRunsTotal,
		ReconciliationMismatches,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// ObserveCommission adds a decimal commission amount to the collected total.
// Unparseable amounts are dropped; the ledger remains the source of truth.
func ObserveCommission(amount string) {
	if f, err := strconv.ParseFloat(amount, 64); err == nil && f > 0 {
		CommissionCollected.Add(f)
	}
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
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
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
