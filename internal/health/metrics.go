package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	healthy       *prometheus.GaugeVec
	failures      *prometheus.GaugeVec
	shortCircuits *prometheus.CounterVec
}

// newMetrics registers on reg; a nil reg leaves the collectors unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		healthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chimera",
			Subsystem: "backend",
			Name:      "healthy",
			Help:      "1 when the backend circuit is closed, 0 otherwise",
		}, []string{"backend"}),
		failures: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chimera",
			Subsystem: "backend",
			Name:      "consecutive_failures",
			Help:      "Consecutive failed calls since the last success",
		}, []string{"backend"}),
		shortCircuits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chimera",
			Subsystem: "backend",
			Name:      "short_circuits_total",
			Help:      "Calls rejected without reaching the backend",
		}, []string{"backend"}),
	}
}
