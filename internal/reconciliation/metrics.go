package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileInconsistent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "viralloop",
		Subsystem: "reconciliation",
		Name:      "inconsistent_content",
		Help:      "Content items whose ledger replay disagreed with the live aggregate in the last run.",
	})

	reconcileMismatchedBuckets = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "viralloop",
		Subsystem: "reconciliation",
		Name:      "mismatched_buckets",
		Help:      "Metric/status buckets that disagreed in the last run.",
	})

	reconcileOrphaned = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "viralloop",
		Subsystem: "reconciliation",
		Name:      "orphaned_content",
		Help:      "Content ids with ledger entries but no content instance in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "viralloop",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "viralloop",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileInconsistent,
		reconcileMismatchedBuckets,
		reconcileOrphaned,
		reconcileDuration,
		reconcileErrors,
	)
}
