package reconciler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the reconciler's prometheus counters, registered
// against the shared registry in sysconfig.Context. Named and shaped
// after the teacher's per-event CounterVec convention
// (types/vrrpv2.go's vrrp2Metric), but registered at construction
// rather than left standing unregistered at package scope.
type Metrics struct {
	packetsIn    prometheus.Counter
	bytesIn      prometheus.Counter
	paired       prometheus.Counter
	totalMatches prometheus.Counter
	timedOut     *prometheus.CounterVec
}

// NewMetrics builds and registers the reconciler's counters against reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		packetsIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconciler_packets_in_total",
			Help: "Packets observed by the reconciler.",
		}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconciler_bytes_in_total",
			Help: "Bytes observed by the reconciler.",
		}),
		paired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconciler_paired_total",
			Help: "Data packets successfully paired with a match report.",
		}),
		totalMatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconciler_reported_matches_total",
			Help: "Pattern-match reports accounted across paired packets.",
		}),
		timedOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciler_timed_out_total",
			Help: "Buffered entries dropped by the janitor sweep, by queue.",
		}, []string{"queue"}),
	}

	reg.MustRegister(m.packetsIn, m.bytesIn, m.paired, m.totalMatches, m.timedOut)

	return m
}
