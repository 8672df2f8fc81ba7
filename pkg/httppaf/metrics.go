package httppaf

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the PAF scanner's prometheus counters, registered
// against the shared registry in sysconfig.Context.
type Metrics struct {
	flushes *prometheus.CounterVec // labeled by direction: "request" or "response"
	aborts  prometheus.Counter
}

// NewMetrics builds and registers the PAF counters against reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "httppaf_flushes_total",
			Help: "Protocol-aware-flush decisions, by direction.",
		}, []string{"direction"}),
		aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "httppaf_aborts_total",
			Help: "Sessions that fell back to generic inspection after PAF gave up.",
		}),
	}

	reg.MustRegister(m.flushes, m.aborts)

	return m
}
