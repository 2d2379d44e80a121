package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileStaleOperations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "intentpay",
		Subsystem: "reconciliation",
		Name:      "stale_operations",
		Help:      "Number of stale in-flight operations settled in the last sweep.",
	})

	reconcileUnresolved = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "intentpay",
		Subsystem: "reconciliation",
		Name:      "unresolved_operations",
		Help:      "Confirmed operations whose mirror write still fails after the last sweep.",
	})

	reconcileDivergences = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "intentpay",
		Subsystem: "reconciliation",
		Name:      "divergences",
		Help:      "Open escrows whose recorded refs disagree with the ledger.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "intentpay",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation sweeps in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "intentpay",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total sweeps that ended with at least one error.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileStaleOperations,
		reconcileUnresolved,
		reconcileDivergences,
		reconcileDuration,
		reconcileErrors,
	)
}
