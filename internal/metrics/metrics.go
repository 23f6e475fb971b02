// Package metrics provides Prometheus instrumentation for the pool engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AdmissionsTotal counts wager admissions by result ("ok" or the error
	// category).
	AdmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolengine_admissions_total",
		Help: "Wager admission attempts by result",
	}, []string{"result"})

	// PoolsLocked counts pools that reached their lock threshold.
	PoolsLocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolengine_pools_locked_total",
		Help: "Pools frozen at their lock threshold",
	})

	// SettlementsTotal counts settlement attempts by result.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolengine_settlements_total",
		Help: "Pool settlement attempts by result",
	}, []string{"result"})

	// SettlementLatency tracks how long one settlement unit takes.
	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "poolengine_settlement_latency_seconds",
		Help:    "Pool settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// ZeroWinnerPools counts settlements where nobody picked the outcome.
	ZeroWinnerPools = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolengine_zero_winner_pools_total",
		Help: "Settled pools with no winning wager",
	})

	// HouseRevenue accumulates commission plus unpaid pool money.
	HouseRevenue = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolengine_house_revenue_total",
		Help: "House revenue by source (commission, unclaimed, rounding)",
	}, []string{"source"})

	// PoolsCancelled counts cancelled pools.
	PoolsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolengine_pools_cancelled_total",
		Help: "Pools cancelled with stakes refunded",
	})

	// ConflictRetries counts units retried after a concurrency conflict.
	ConflictRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolengine_conflict_retries_total",
		Help: "Atomic units retried after a concurrency conflict",
	}, []string{"op"})

	// InvariantViolations counts rolled-back units that failed the
	// conservation guard.
	InvariantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolengine_invariant_violations_total",
		Help: "Units rolled back by the conservation guard",
	})

	// FanoutInstances counts template fan-out outcomes per instance.
	FanoutInstances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolengine_fanout_instances_total",
		Help: "Template fan-out instances by result",
	}, []string{"result"})

	// ExposureRejections counts admissions rejected by the exposure limiter.
	ExposureRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolengine_exposure_limit_rejections_total",
		Help: "Wagers rejected by the correlated exposure limit",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// RateLimited counts requests rejected by the rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolengine_rate_limited_total",
		Help: "HTTP requests rejected by the rate limiter",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "poolengine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern, not the raw path, to keep label cardinality bounded.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
