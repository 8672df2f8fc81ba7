package appid

import (
	"net"
	"testing"
	"time"

	"github.com/DeepnessLab/moly-sub000/pkg/flowtable"
)

func TestExpireFlowsAccountsUnfinishedDetectionAsInconclusive(t *testing.T) {
	cache := NewCache()
	v := &fakeValidator{name: "svc", port: 80, verdicts: []Verdict{VerdictInconclusive}}
	o := NewOrchestrator(cache, []Validator{v})

	table := flowtable.New(time.Minute)
	tuple := flowtable.Tuple{
		SrcIP: net.ParseIP("1.1.1.1"), DstIP: net.ParseIP("10.0.0.1"),
		SrcPort: 4000, DstPort: 80, Protocol: 6,
	}

	now := time.Unix(1000, 0)
	flow, _, _ := table.Lookup(tuple, now)

	key := Key{ServerIP: "10.0.0.1", ServerPort: 80}
	peer := net.ParseIP("1.1.1.1")

	if got := o.DetectFlow(flow, key, peer, []byte("x")); got != "" {
		t.Fatalf("DetectFlow = %q, want no match yet", got)
	}

	if v.calls != 1 {
		t.Fatalf("validator called %d times, want 1", v.calls)
	}

	expired := table.Expire(now.Add(2 * time.Minute))
	if len(expired) != 1 {
		t.Fatalf("expired flow count = %d, want 1", len(expired))
	}

	o.ExpireFlows(expired)

	e := cache.GetOrCreate(key)
	if e.InvalidClientCount != WeightFlowEndInconclusive {
		t.Fatalf("invalid_client_count = %d, want %d", e.InvalidClientCount, WeightFlowEndInconclusive)
	}
}

func TestExpireFlowsSkipsFlowsThatAlreadyMatched(t *testing.T) {
	cache := NewCache()
	v := &fakeValidator{name: "svc", port: 80, verdicts: []Verdict{VerdictMatch}}
	o := NewOrchestrator(cache, []Validator{v})

	table := flowtable.New(time.Minute)
	tuple := flowtable.Tuple{
		SrcIP: net.ParseIP("1.1.1.1"), DstIP: net.ParseIP("10.0.0.1"),
		SrcPort: 4000, DstPort: 80, Protocol: 6,
	}

	now := time.Unix(1000, 0)
	flow, _, _ := table.Lookup(tuple, now)

	key := Key{ServerIP: "10.0.0.1", ServerPort: 80}
	peer := net.ParseIP("1.1.1.1")

	if got := o.DetectFlow(flow, key, peer, []byte("x")); got != "svc" {
		t.Fatalf("DetectFlow = %q, want svc", got)
	}

	expired := table.Expire(now.Add(2 * time.Minute))
	o.ExpireFlows(expired)

	e := cache.GetOrCreate(key)
	if e.InvalidClientCount != 0 {
		t.Fatalf("invalid_client_count = %d, want 0 (flow already matched before ending)", e.InvalidClientCount)
	}
}
