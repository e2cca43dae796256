// Package metrics exposes Prometheus instrumentation for the execution
// engine. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spreadbot/internal/domain"
)

// Metrics holds the collectors registered on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	rateLimitWait  *prometheus.HistogramVec
	apiErrors      *prometheus.CounterVec
	ordersPlaced   *prometheus.CounterVec
	ordersCanceled prometheus.Counter
	fillResults    *prometheus.CounterVec
	trades         *prometheus.CounterVec
	netPnL         prometheus.Counter
	tradeDuration  prometheus.Histogram
	openPositions  prometheus.Gauge
	halted         prometheus.Gauge
	streamEvents   *prometheus.CounterVec
	reconnects     prometheus.Counter
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rateLimitWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "spreadbot",
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent waiting for a rate limiter token.",
			Buckets:   []float64{0, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}, []string{"kind"}),
		apiErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spreadbot",
			Name:      "api_errors_total",
			Help:      "Trading API errors by HTTP status.",
		}, []string{"status"}),
		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spreadbot",
			Name:      "orders_placed_total",
			Help:      "Limit orders placed by action.",
		}, []string{"action"}),
		ordersCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spreadbot",
			Name:      "orders_cancelled_total",
			Help:      "Orders successfully cancelled.",
		}),
		fillResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spreadbot",
			Name:      "fill_results_total",
			Help:      "Outcomes of waiting on an order, by leg.",
		}, []string{"leg", "result"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spreadbot",
			Name:      "trades_total",
			Help:      "Spread trades attempted, by outcome.",
		}, []string{"outcome"}),
		netPnL: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spreadbot",
			Name:      "net_pnl_cents_total",
			Help:      "Cumulative net PnL in cents of profitable trades.",
		}),
		tradeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "spreadbot",
			Name:      "trade_duration_seconds",
			Help:      "Wall time of spread trades.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "spreadbot",
			Name:      "open_positions",
			Help:      "Currently open tracked positions.",
		}),
		halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "spreadbot",
			Name:      "trading_halted",
			Help:      "1 while trading is halted.",
		}),
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spreadbot",
			Name:      "stream_events_total",
			Help:      "Streaming notifications received, by kind.",
		}, []string{"kind"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spreadbot",
			Name:      "stream_reconnects_total",
			Help:      "Streaming reconnect attempts.",
		}),
	}

	m.registry.MustRegister(
		m.rateLimitWait, m.apiErrors, m.ordersPlaced, m.ordersCanceled,
		m.fillResults, m.trades, m.netPnL, m.tradeDuration,
		m.openPositions, m.halted, m.streamEvents, m.reconnects,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRateLimitWait(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitWait.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) IncAPIError(status int) {
	if m == nil {
		return
	}
	m.apiErrors.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *Metrics) IncOrderPlaced(action domain.Action) {
	if m == nil {
		return
	}
	m.ordersPlaced.WithLabelValues(string(action)).Inc()
}

func (m *Metrics) IncOrderCancelled() {
	if m == nil {
		return
	}
	m.ordersCanceled.Inc()
}

func (m *Metrics) ObserveFill(leg string, result domain.FillResult) {
	if m == nil {
		return
	}
	m.fillResults.WithLabelValues(leg, string(result)).Inc()
}

// ObserveTrade records a finished trade.
func (m *Metrics) ObserveTrade(r domain.TradeResult) {
	if m == nil {
		return
	}
	outcome := "failed"
	if r.Success {
		outcome = "success"
	}
	m.trades.WithLabelValues(outcome).Inc()
	m.tradeDuration.Observe(r.DurationSeconds)
	// Counters cannot go down; losses show up in trades_total{outcome} and
	// the journal instead.
	if r.NetPnL > 0 {
		m.netPnL.Add(float64(r.NetPnL))
	}
}

func (m *Metrics) SetOpenPositions(n int) {
	if m == nil {
		return
	}
	m.openPositions.Set(float64(n))
}

func (m *Metrics) SetHalted(halted bool) {
	if m == nil {
		return
	}
	if halted {
		m.halted.Set(1)
	} else {
		m.halted.Set(0)
	}
}

func (m *Metrics) IncStreamEvent(kind string) {
	if m == nil {
		return
	}
	m.streamEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}
