// Package metrics provides Prometheus instrumentation for the portfolio engine.
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
	// OrdersTotal counts executed orders, partitioned by side and asset type.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_orders_total",
		Help: "Total number of orders executed",
	}, []string{"side", "asset_type"})

	// OrderRejections counts orders rejected before commit, by reason.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_order_rejections_total",
		Help: "Orders rejected by validation, funds or holdings checks",
	}, []string{"reason"})

	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_order_latency_seconds",
		Help:    "Order execution latency in seconds, quote fetch included",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// Reversals counts ledger entries deleted with balance reversal.
	Reversals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_reversals_total",
		Help: "Ledger entries deleted with settlement reversal",
	}, []string{"side"})

	// SettlementAdjustments counts manual add/withdraw operations.
	SettlementAdjustments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_settlement_adjustments_total",
		Help: "Manual settlement account adjustments",
	}, []string{"action"})

	// QuoteFetches counts provider quote lookups by outcome.
	QuoteFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_quote_fetches_total",
		Help: "Quote provider lookups by outcome",
	}, []string{"outcome"})

	// StalePortfolios counts valuations that fell back to average price.
	StalePortfolios = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_stale_valuations_total",
		Help: "Portfolio valuations using at least one fallback price",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventsPublished counts domain events by sink and outcome.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_events_published_total",
		Help: "Domain events published",
	}, []string{"sink", "outcome"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern keeps the path label bounded: /api/transactions/{userId}
// rather than one series per user.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

// Hijack passes through to the underlying writer for WebSocket upgrades.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
