package execution

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "executor"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Place transactions broadcast, by symbol and side.
	OrdersSubmitted metrics.Counter
	// Claim transactions broadcast, by symbol.
	CancelsSubmitted metrics.Counter
	// Submissions that failed before broadcast, by symbol and kind (place|cancel|nonce).
	SubmitFailures metrics.Counter
	// Tracked transaction outcomes, by symbol and outcome.
	TxOutcomes metrics.Counter
	// Resting orders known per symbol.
	ActiveOrders metrics.Gauge
	// Submitted orders not yet reported by the stream, per symbol.
	PendingOrders metrics.Gauge
	// 1 once every market snapshot has arrived.
	Available metrics.Gauge
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		OrdersSubmitted: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "orders_submitted",
			Help:      "Number of place order transactions sent.",
		}, []string{"symbol", "side"}),
		CancelsSubmitted: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "cancels_submitted",
			Help:      "Number of claim order transactions sent.",
		}, []string{"symbol"}),
		SubmitFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "submit_failures",
			Help:      "Number of transactions that could not be sent.",
		}, []string{"symbol", "kind"}),
		TxOutcomes: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "tx_outcomes",
			Help:      "Outcomes of tracked transactions.",
		}, []string{"symbol", "outcome"}),
		ActiveOrders: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "active_orders",
			Help:      "Number of resting orders.",
		}, []string{"symbol"}),
		PendingOrders: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "pending_orders",
			Help:      "Number of submitted orders awaiting confirmation.",
		}, []string{"symbol"}),
		Available: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "available",
			Help:      "Whether every market snapshot has been received.",
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		OrdersSubmitted:  discard.NewCounter(),
		CancelsSubmitted: discard.NewCounter(),
		SubmitFailures:   discard.NewCounter(),
		TxOutcomes:       discard.NewCounter(),
		ActiveOrders:     discard.NewGauge(),
		PendingOrders:    discard.NewGauge(),
		Available:        discard.NewGauge(),
	}
}
