package escrow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intentpay",
		Subsystem: "escrow",
		Name:      "operations_total",
		Help:      "Coordinator operations by kind and outcome.",
	}, []string{"kind", "outcome"})

	operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "intentpay",
		Subsystem: "escrow",
		Name:      "operation_duration_seconds",
		Help:      "End-to-end coordinator operation latency, including ledger finality.",
		Buckets:   []float64{.05, .25, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"kind"})

	confirmDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "intentpay",
		Subsystem: "escrow",
		Name:      "confirmation_seconds",
		Help:      "Time spent waiting for ledger finality.",
		Buckets:   []float64{.05, .25, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"kind"})

	reconcileTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intentpay",
		Subsystem: "escrow",
		Name:      "reconcile_total",
		Help:      "Reconciliation outcomes.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(operationsTotal, operationDuration, confirmDuration, reconcileTotal)
}

// observeOperation records the outcome of a coordinator call. Use with defer.
func observeOperation(kind OpKind, start time.Time, errp *error) {
	outcome := "ok"
	if err := *errp; err != nil {
		if k, ok := KindOf(err); ok {
			outcome = string(k)
		} else {
			outcome = "error"
		}
	}
	operationsTotal.WithLabelValues(string(kind), outcome).Inc()
	operationDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
}
