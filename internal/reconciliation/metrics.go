package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	webhooksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvestmart",
		Subsystem: "reconciliation",
		Name:      "webhooks_total",
		Help:      "Inbound provider webhooks by provider and result.",
	}, []string{"provider", "result"})

	quarantinedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvestmart",
		Subsystem: "reconciliation",
		Name:      "quarantined_total",
		Help:      "Webhooks quarantined by provider and reason code.",
	}, []string{"provider", "reason"})

	ingestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "harvestmart",
		Subsystem: "reconciliation",
		Name:      "ingest_duration_seconds",
		Help:      "Time to verify and apply one webhook.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"provider"})

	ledgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "harvestmart",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Contracts whose status disagreed with their ledger fold in the last audit.",
	})

	auditDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "harvestmart",
		Subsystem: "reconciliation",
		Name:      "audit_duration_seconds",
		Help:      "Duration of ledger audit runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	auditErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "harvestmart",
		Subsystem: "reconciliation",
		Name:      "audit_errors_total",
		Help:      "Ledger audit runs that failed to complete.",
	})
)

func init() {
	prometheus.MustRegister(
		webhooksTotal,
		quarantinedTotal,
		ingestDuration,
		ledgerMismatches,
		auditDuration,
		auditErrors,
	)
}
