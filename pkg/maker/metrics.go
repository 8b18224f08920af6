package maker

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "maker"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Ticks that ran to completion, by symbol.
	Ticks metrics.Counter
	// Triggers dropped because a tick was already running, by symbol.
	TicksSkipped metrics.Counter
	// Time spent in one tick, by symbol.
	TickDuration metrics.Histogram
	// Actions dispatched, by symbol and kind (place|cancel).
	Actions metrics.Counter
	// Place actions suppressed to avoid trading against own orders, by symbol.
	CrossTradesPrevented metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		Ticks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "ticks",
			Help:      "Number of completed ticks.",
		}, []string{"symbol"}),
		TicksSkipped: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "ticks_skipped",
			Help:      "Number of triggers dropped while a tick was running.",
		}, []string{"symbol"}),
		TickDuration: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "tick_duration_seconds",
			Help:      "Duration of a tick including order submission.",
			Buckets:   stdprometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"symbol"}),
		Actions: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "actions",
			Help:      "Number of dispatched place and cancel actions.",
		}, []string{"symbol", "kind"}),
		CrossTradesPrevented: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "cross_trades_prevented",
			Help:      "Number of placements skipped because they would cross own orders.",
		}, []string{"symbol"}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Ticks:                discard.NewCounter(),
		TicksSkipped:         discard.NewCounter(),
		TickDuration:         discard.NewHistogram(),
		Actions:              discard.NewCounter(),
		CrossTradesPrevented: discard.NewCounter(),
	}
}
