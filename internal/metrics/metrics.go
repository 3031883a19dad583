// Package metrics provides Prometheus instrumentation for the edge engine.
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
	// DecisionsTotal counts evaluations by category and final action.
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_decisions_total",
		Help: "Evaluations by category and action",
	}, []string{"category", "action"})

	// VetoesTotal counts sizing vetoes by reason.
	VetoesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_vetoes_total",
		Help: "Sizing decisions vetoed, by reason",
	}, []string{"reason"})

	// CommitConflicts counts stale-snapshot retries at commit.
	CommitConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_commit_conflicts_total",
		Help: "Commits rejected because the portfolio moved since sizing",
	})

	// InvariantViolations counts commits or settlements that halted a market.
	InvariantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_invariant_violations_total",
		Help: "Invariant violations detected by the ledger",
	})

	// SettlementsTotal counts settled positions by outcome status.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_settlements_total",
		Help: "Positions leaving OPEN, by terminal status",
	}, []string{"status"})

	// EvaluationLatency tracks one evaluation end to end, including
	// collaborator fetches.
	EvaluationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "edge_evaluation_latency_seconds",
		Help:    "Evaluation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"category"})

	// EdgeObserved records |edge| of every assessed market.
	EdgeObserved = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "edge_observed_magnitude",
		Help:    "Absolute edge between estimate and market price",
		Buckets: []float64{0.01, 0.02, 0.04, 0.06, 0.08, 0.1, 0.15, 0.2, 0.3},
	}, []string{"category"})

	// Bankroll is the bankroll at last settlement.
	Bankroll = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edge_bankroll",
		Help: "Bankroll at last settlement",
	})

	// Exposure is the sum of OPEN stakes.
	Exposure = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edge_exposure",
		Help: "Sum of stakes of OPEN positions",
	})

	// OpenPositions tracks the number of OPEN positions.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edge_open_positions",
		Help: "Number of OPEN positions",
	})

	// ScanCycles counts completed scan cycles.
	ScanCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_scan_cycles_total",
		Help: "Completed scan cycles",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edge_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "edge_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// PortfolioGauges publishes the portfolio gauges. Values are floats for
// display only.
func PortfolioGauges(bankroll, exposure float64, open int) {
	Bankroll.Set(bankroll)
	Exposure.Set(exposure)
	OpenPositions.Set(float64(open))
}

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

		// Route pattern keeps market and position ids out of the labels.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
