package appid

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the service-ID orchestrator's prometheus counters,
// registered against the shared registry in sysconfig.Context.
type Metrics struct {
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	matches     *prometheus.CounterVec // labeled by matched service name
}

// NewMetrics builds and registers the orchestrator's counters against reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appid_cache_hits_total",
			Help: "Detect calls served by an already-valid cache entry.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appid_cache_misses_total",
			Help: "Detect calls that ran the candidate validator list.",
		}),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appid_matches_total",
			Help: "Service-ID matches, by matched service name.",
		}, []string{"service"}),
	}

	reg.MustRegister(m.cacheHits, m.cacheMisses, m.matches)

	return m
}
