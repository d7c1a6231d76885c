package fleet

import "github.com/prometheus/client_golang/prometheus"

var (
	stateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "fleet",
			Name:      "state_transitions_total",
			Help:      "Total fleet state transitions",
		},
		[]string{"state"},
	)

	readinessWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fleetd",
			Subsystem: "fleet",
			Name:      "readiness_wait_seconds",
			Help:      "Time spent waiting for a service to become ready",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"role"},
	)

	readinessFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "fleet",
			Name:      "readiness_failures_total",
			Help:      "Services that failed readiness during startup",
		},
		[]string{"role"},
	)
)

func init() {
	prometheus.MustRegister(stateTransitionsTotal, readinessWaitSeconds, readinessFailuresTotal)
}
