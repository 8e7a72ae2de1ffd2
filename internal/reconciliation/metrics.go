package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	ledgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "walletd",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Wallets whose stored balances disagreed with the replayed ledger in the last sweep.",
	})

	overdueHolds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "walletd",
		Subsystem: "reconciliation",
		Name:      "overdue_holds",
		Help:      "Held escrows past their release date plus grace in the last sweep.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "walletd",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of ledger sweeps in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
	})

	runErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "walletd",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total ledger sweep errors.",
	})
)

func init() {
	prometheus.MustRegister(
		ledgerMismatches,
		overdueHolds,
		runDuration,
		runErrors,
	)
}
