package metrics

import (
	"context"
	"database/sql"
	"log/slog"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})

	// LedgerHeadBlock is the last block number the ledger endpoint reported.
	LedgerHeadBlock = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "ledger_head_block",
		Help: "Latest block number reported by the ledger RPC endpoint.",
	})
	LedgerProbeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "ledger_probe_failures_total",
		Help: "Failed ledger head probes.",
	})
)

func init() {
	prometheus.MustRegister(
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
		LedgerHeadBlock,
		LedgerProbeFailures,
	)
}

// Sampler refreshes one group of gauges.
type Sampler func(ctx context.Context)

// DBSampler records sql.DBStats for db.
func DBSampler(db *sql.DB) Sampler {
	return func(context.Context) {
		stats := db.Stats()
		DBOpenConnections.Set(float64(stats.OpenConnections))
		DBInUseConnections.Set(float64(stats.InUse))
		DBWaitDuration.Set(stats.WaitDuration.Seconds())
	}
}

// HeadFunc returns the ledger's latest block number.
type HeadFunc func(ctx context.Context) (uint64, error)

// LedgerSampler probes the ledger head. A stalled head with no probe
// failures usually means the node lost its peers.
func LedgerSampler(head HeadFunc, timeout time.Duration, logger *slog.Logger) Sampler {
	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		n, err := head(ctx)
		if err != nil {
			LedgerProbeFailures.Inc()
			logger.Warn("ledger head probe failed", "error", err)
			return
		}
		LedgerHeadBlock.Set(float64(n))
	}
}

// RuntimeSampler records the goroutine count.
func RuntimeSampler() Sampler {
	return func(context.Context) {
		GoroutineCount.Set(float64(runtime.NumGoroutine()))
	}
}

// RunCollector invokes every sampler once immediately and then on each tick
// until ctx is done. Call in a goroutine.
func RunCollector(ctx context.Context, interval time.Duration, samplers ...Sampler) {
	sample := func() {
		for _, s := range samplers {
			s(ctx)
		}
	}
	sample()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample()
		}
	}
}
