// Package metrics provides Prometheus instrumentation for the market engine.
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
	// TradesTotal counts executed trades, partitioned by transaction kind.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fanbase_trades_total",
		Help: "Total number of trades executed",
	}, []string{"kind"})

	// TradeRejections counts trades refused by validation, partitioned by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fanbase_trade_rejections_total",
		Help: "Trades rejected before execution",
	}, []string{"kind", "reason"})

	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fanbase_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// TradeVolume tracks cumulative traded shares per instrument.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fanbase_trade_volume_shares_total",
		Help: "Cumulative trade volume in shares",
	}, []string{"instrument", "kind"})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fanbase_tick_duration_seconds",
		Help:    "Duration of one pricing tick",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// TicksTotal counts ticks by outcome: ok, skipped, failed.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fanbase_ticks_total",
		Help: "Pricing ticks by outcome",
	}, []string{"outcome"})

	// RatingUpdates counts rating writes, partitioned by source (live, completed).
	RatingUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fanbase_rating_updates_total",
		Help: "Instrument rating updates",
	}, []string{"source"})

	GamesRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fanbase_games_recorded_total",
		Help: "Completed games recorded",
	})

	DividendsPaid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fanbase_dividends_paid_total",
		Help: "Dividend credits paid to long lot holders",
	})

	DividendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fanbase_dividend_failures_total",
		Help: "Dividend credits that failed and were skipped",
	})

	FeedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fanbase_feed_requests_total",
		Help: "Scoreboard feed requests by result",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fanbase_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fanbase_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fanbase_http_request_duration_seconds",
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

		HTTPRequestsTotal.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, routePattern(r)).Observe(duration)
	})
}

// routePattern uses the chi route pattern for the path label so that user
// ids and abbreviations do not explode cardinality.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
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

// Hijack passes through to the underlying writer so websocket upgrades work
// behind the middleware.
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
