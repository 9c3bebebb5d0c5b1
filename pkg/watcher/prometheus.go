package watcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	profileUpdates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "profile_updates_total",
			Help: "The number of profile documents compiled and published as route tables",
		},
	)

	profileCompileErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "profile_compile_errors_total",
			Help: "The number of profile documents discarded because they failed to compile",
		},
	)

	profileStreamResets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "profile_stream_resets_total",
			Help: "The number of times a profile stream failed and entered backoff",
		},
	)

	activeWatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "profile_active_watches",
			Help: "The number of destinations with a live profile watch",
		},
	)
)
