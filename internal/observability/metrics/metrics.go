package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes application-level prometheus instruments.
type Metrics struct {
	registry *prometheus.Registry

	ChatRequests         *prometheus.CounterVec
	StreamDuration       *prometheus.HistogramVec
	TokensBilled         *prometheus.CounterVec
	LedgerTransactions   *prometheus.CounterVec
	SettlementShortfalls prometheus.Counter
	InviteRedemptions    *prometheus.CounterVec
}

// New builds the domain instruments on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		ChatRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditgate_chat_requests_total",
			Help: "Chat completion requests by model and outcome.",
		}, []string{"model", "outcome"}),
		StreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "creditgate_stream_duration_seconds",
			Help:    "Wall time of upstream streaming per model.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"model"}),
		TokensBilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditgate_tokens_billed_total",
			Help: "Billed tokens by model and direction.",
		}, []string{"model", "direction"}),
		LedgerTransactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditgate_ledger_transactions_total",
			Help: "Ledger transactions by type and outcome.",
		}, []string{"type", "outcome"}),
		SettlementShortfalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "creditgate_settlement_shortfalls_total",
			Help: "Final debits rejected for insufficient balance after the response was delivered.",
		}),
		InviteRedemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditgate_invite_redemptions_total",
			Help: "Invite code redemption attempts by outcome.",
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		m.ChatRequests,
		m.StreamDuration,
		m.TokensBilled,
		m.LedgerTransactions,
		m.SettlementShortfalls,
		m.InviteRedemptions,
	)

	return m
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for plugin integrations.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPMetrics instruments inbound HTTP traffic.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewHTTPMetrics(m *Metrics) *HTTPMetrics {
	h := &HTTPMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditgate_http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "creditgate_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	m.registry.MustRegister(h.requests, h.duration)
	return h
}

// GinMiddleware records per-request counters and latency.
func (h *HTTPMetrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		h.requests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		h.duration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}
