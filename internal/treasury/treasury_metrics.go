package treasury

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TreasuryOpsTotal counts treasury operations by type.
	TreasuryOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "duelarena",
			Name:      "treasury_operations_total",
			Help:      "Total treasury operations by type.",
		},
		[]string{"type"},
	)

	// TreasuryOpDuration observes operation latency by type.
	TreasuryOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "duelarena",
			Name:      "treasury_operation_duration_seconds",
			Help:      "Treasury operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	goldEscrowed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "duelarena",
		Name:      "treasury_gold_escrowed_total",
		Help:      "Total gold moved into escrow.",
	})

	goldSettled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "duelarena",
		Name:      "treasury_gold_settled_total",
		Help:      "Total gold paid out to winners (full pots).",
	})
)

func init() {
	prometheus.MustRegister(
		TreasuryOpsTotal,
		TreasuryOpDuration,
		goldEscrowed,
		goldSettled,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	TreasuryOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		TreasuryOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
