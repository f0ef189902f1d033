package distribution

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credit_distribution_runs_total",
		Help: "Distribution runs by outcome.",
	}, []string{"status"})

	legsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credit_distribution_legs_total",
		Help: "Agent payouts by outcome.",
	}, []string{"status"})

	legCredits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credit_distribution_leg_credits_total",
		Help: "Credits moved by agent payouts by outcome.",
	}, []string{"status"})
)
