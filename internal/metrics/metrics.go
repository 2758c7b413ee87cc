// Package metrics provides Prometheus instrumentation for the perp engine.
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
	// PositionsOpened counts positions opened, partitioned by market kind and side.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_positions_opened_total",
		Help: "Total number of positions opened",
	}, []string{"market_kind", "side"})

	// PositionsClosed counts terminal transitions by market kind and outcome
	// (closed or liquidated).
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_positions_closed_total",
		Help: "Total number of positions that reached a terminal state",
	}, []string{"market_kind", "status"})

	// PositionsExpired counts futures positions flagged as expired.
	PositionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_positions_expired_total",
		Help: "Futures positions past their expiry time",
	})

	// OpenPositions tracks open positions as seen by the last liquidation sweep.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_open_positions",
		Help: "Open positions at the last liquidation sweep",
	})

	// OperationLatency tracks engine operation latency.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_operation_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// OperationRejections counts rejected engine operations by error code.
	OperationRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_operation_rejections_total",
		Help: "Engine operations rejected, by error code",
	}, []string{"operation", "code"})

	// TransientRetries counts unit-of-work retries after store contention.
	TransientRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_transient_retries_total",
		Help: "Units of work retried after a transient store failure",
	})

	// FundingFees counts funding fee applications by direction (paid or received).
	FundingFees = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_funding_fees_total",
		Help: "Funding fees applied to perpetual positions",
	}, []string{"direction"})

	// ClampedBalances counts ledger credits that would have driven a purse
	// negative and were clamped to zero.
	ClampedBalances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_clamped_balances_total",
		Help: "Purse balances clamped to zero",
	}, []string{"purse"})

	// SweepDuration tracks sweep pass duration by kind (liquidation or funding).
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_sweep_duration_seconds",
		Help:    "Sweep pass duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"sweep"})

	// SweepErrors counts per-position sweep failures.
	SweepErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_sweep_errors_total",
		Help: "Per-position failures during a sweep",
	}, []string{"sweep"})

	// SweepSkipped counts positions skipped for a missing or stale mark price.
	SweepSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_sweep_skipped_total",
		Help: "Positions skipped because no fresh mark price was available",
	})

	// MarkPriceUpdates counts mark prices received from the feed.
	MarkPriceUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_mark_price_updates_total",
		Help: "Mark price updates received",
	}, []string{"pair"})

	// NotificationsPublished counts events delivered to a sink.
	NotificationsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_notifications_published_total",
		Help: "Events delivered, by sink",
	}, []string{"sink"})

	// NotificationsDropped counts events dropped by a full outbox or a failing sink.
	NotificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_notifications_dropped_total",
		Help: "Events dropped, by reason",
	}, []string{"reason"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
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

// Hijack passes through to the underlying writer so WebSocket upgrades work
// behind this middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
