package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "volley_active_sessions",
		Help: "Number of streaming sessions currently open",
	})

	stepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "volley_session_step_duration_seconds",
		Help:    "Time spent advancing a session by one step",
		Buckets: prometheus.DefBuckets,
	})
)
