package ledger

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/harvestmart/internal/model"
)

var (
	// EntriesTotal counts appended ledger entries by direction and kind.
	EntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "harvestmart",
			Name:      "ledger_entries_total",
			Help:      "Ledger entries appended by direction and kind.",
		},
		[]string{"direction", "kind"},
	)

	// OpDuration observes read operation latency.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "harvestmart",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(EntriesTotal, OpDuration)
}

// RecordAppended counts entries after their unit of work committed.
func RecordAppended(entries []*model.LedgerEntry) {
	for _, e := range entries {
		EntriesTotal.WithLabelValues(string(e.Direction), string(e.Kind)).Inc()
	}
}
