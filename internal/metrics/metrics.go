// Package metrics exposes Prometheus collectors for the execution core.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amirphl/kraken-trader/internal/utils"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal     *prometheus.CounterVec // labels: class
	RetriesTotal      *prometheus.CounterVec // labels: class
	RateLimitWaits    prometheus.Histogram
	OrdersTotal       *prometheus.CounterVec // labels: outcome
	ReconcileConflict prometheus.Counter
	TicksTotal        *prometheus.CounterVec // labels: symbol
	SnapshotDur       prometheus.Histogram
	HaltedPairs       prometheus.Gauge
}

// New registers and returns the collectors on a private registry, so
// multiple instances can coexist in tests.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_exchange_requests_total",
			Help: "Exchange requests by endpoint class",
		}, []string{"class"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_exchange_retries_total",
			Help: "Retry attempts beyond the first, by endpoint class",
		}, []string{"class"}),
		RateLimitWaits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_rate_limit_wait_seconds",
			Help:    "Time spent waiting for rate-limit slots",
			Buckets: prometheus.DefBuckets,
		}),
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_orders_total",
			Help: "Orders by terminal outcome (filled, cancelled, rejected, expired)",
		}, []string{"outcome"}),
		ReconcileConflict: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_reconcile_conflicts_total",
			Help: "Irreconcilable local/remote order state disagreements",
		}),
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_ticks_total",
			Help: "Ticks processed by symbol",
		}, []string{"symbol"}),
		SnapshotDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_snapshot_write_duration_seconds",
			Help:    "State snapshot write latency",
			Buckets: prometheus.DefBuckets,
		}),
		HaltedPairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_halted_pairs",
			Help: "Pairs currently halted after a fatal error or conflict",
		}),
	}

	m.registry.MustRegister(
		m.RequestsTotal,
		m.RetriesTotal,
		m.RateLimitWaits,
		m.OrdersTotal,
		m.ReconcileConflict,
		m.TicksTotal,
		m.SnapshotDur,
		m.HaltedPairs,
	)
	return m
}

// ObserveAttempt is wired as the retrier's per-attempt hook.
func (m *Metrics) ObserveAttempt(class string, attempt int) {
	m.RequestsTotal.WithLabelValues(class).Inc()
	if attempt > 1 {
		m.RetriesTotal.WithLabelValues(class).Inc()
	}
}

// ObserveWait is wired as the rate limiter's wait hook.
func (m *Metrics) ObserveWait(waited time.Duration) {
	m.RateLimitWaits.Observe(waited.Seconds())
}

// ObserveOutcome counts an order reaching a terminal state.
func (m *Metrics) ObserveOutcome(status string) {
	m.OrdersTotal.WithLabelValues(status).Inc()
}

// Server exposes /metrics over HTTP.
type Server struct {
	addr string
	srv  *http.Server
}

func NewServer(addr string, m *Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		utils.GetLogger().Printf("Metrics | listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			utils.GetLogger().Printf("Metrics | server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
