package gen

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "volley_generator_commits_total",
		Help: "Total number of committed step outputs, per output stream",
	}, []string{"stream"})
)
