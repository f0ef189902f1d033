package credit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credit_ledger_mutations_total",
		Help: "Completed ledger mutations by kind and direction.",
	}, []string{"kind", "direction"})

	insufficientTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credit_ledger_insufficient_total",
		Help: "Debits rejected for insufficient credits.",
	})

	conflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credit_ledger_conflicts_total",
		Help: "Optimistic version conflicts that triggered a retry.",
	})
)

func direction(delta int64) string {
	if delta < 0 {
		return "debit"
	}
	return "credit"
}
