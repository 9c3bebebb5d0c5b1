package retry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var budgetThrottled = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "retry_budget_throttled_total",
		Help: "The number of retries denied because the retry budget was exhausted",
	},
)
