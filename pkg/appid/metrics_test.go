package appid

import (
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsTrackCacheHitsMissesAndMatches(t *testing.T) {
	cache := NewCache()
	v := &fakeValidator{name: "svc", port: 80, verdicts: []Verdict{VerdictMatch}}
	o := NewOrchestrator(cache, []Validator{v})

	m := NewMetrics(prometheus.NewRegistry())
	o.SetMetrics(m)

	key := Key{ServerIP: "10.0.0.1", ServerPort: 80}
	peer := net.ParseIP("1.2.3.4")
	fc := &FlowCandidates{}

	o.Detect(fc, key, peer, []byte("a")) // miss, matches
	o.Detect(fc, key, peer, []byte("b")) // hit

	if got := testutil.ToFloat64(m.cacheMisses); got != 1 {
		t.Fatalf("cache misses = %v, want 1", got)
	}

	if got := testutil.ToFloat64(m.cacheHits); got != 1 {
		t.Fatalf("cache hits = %v, want 1", got)
	}

	if got := testutil.ToFloat64(m.matches.WithLabelValues("svc")); got != 1 {
		t.Fatalf("matches{service=svc} = %v, want 1", got)
	}
}
