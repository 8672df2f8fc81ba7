package flowtable

import (
	"net"
	"testing"
	"time"
)

func tuple(src, dst string, sp, dp uint16) Tuple {
	return Tuple{SrcIP: net.ParseIP(src), DstIP: net.ParseIP(dst), SrcPort: sp, DstPort: dp, Protocol: 6}
}

func TestLookupCreatesThenFindsSameFlow(t *testing.T) {
	tbl := New(30 * time.Second)
	now := time.Now()

	f1, existed, _ := tbl.Lookup(tuple("10.0.0.1", "10.0.0.2", 1234, 80), now)
	if existed {
		t.Fatalf("first lookup reported existed=true")
	}

	f2, existed, _ := tbl.Lookup(tuple("10.0.0.1", "10.0.0.2", 1234, 80), now)
	if !existed {
		t.Fatalf("second lookup reported existed=false")
	}

	if f1 != f2 {
		t.Fatalf("lookup returned distinct Flow objects for the same tuple")
	}
}

func TestLookupCanonicalizesDirection(t *testing.T) {
	tbl := New(30 * time.Second)
	now := time.Now()

	fwd, _, fwdDir := tbl.Lookup(tuple("10.0.0.1", "10.0.0.2", 1234, 80), now)
	rev, existed, revDir := tbl.Lookup(tuple("10.0.0.2", "10.0.0.1", 80, 1234), now)

	if !existed {
		t.Fatalf("reverse-direction lookup should find the same flow")
	}

	if fwd != rev {
		t.Fatalf("forward and reverse lookups resolved to different flows")
	}

	if fwdDir == revDir {
		t.Fatalf("forward and reverse lookups reported the same direction")
	}
}

func TestFlowSlotsAreIndependentPerModule(t *testing.T) {
	tbl := New(30 * time.Second)
	f, _, _ := tbl.Lookup(tuple("10.0.0.1", "10.0.0.2", 1, 2), time.Now())

	const slotA SlotID = 1
	const slotB SlotID = 2

	f.Set(slotA, "hello")
	f.Set(slotB, 42)

	if got := f.Get(slotA); got != "hello" {
		t.Fatalf("slotA = %v, want hello", got)
	}

	if got := f.Get(slotB); got != 42 {
		t.Fatalf("slotB = %v, want 42", got)
	}

	f.Remove(slotA)
	if got := f.Get(slotA); got != nil {
		t.Fatalf("slotA after remove = %v, want nil", got)
	}

	if got := f.Get(slotB); got != 42 {
		t.Fatalf("slotB disturbed by removing slotA: %v", got)
	}
}

func TestExpireDropsIdleFlows(t *testing.T) {
	tbl := New(5 * time.Second)
	base := time.Now()

	tbl.Lookup(tuple("10.0.0.1", "10.0.0.2", 1, 2), base)

	if tbl.Size() != 1 {
		t.Fatalf("size = %d, want 1", tbl.Size())
	}

	expired := tbl.Expire(base.Add(10 * time.Second))
	if len(expired) != 1 {
		t.Fatalf("expired = %d, want 1", len(expired))
	}

	if tbl.Size() != 0 {
		t.Fatalf("size after expiry = %d, want 0", tbl.Size())
	}
}

func TestExpireSparesRecentlyTouchedFlows(t *testing.T) {
	tbl := New(5 * time.Second)
	base := time.Now()

	tbl.Lookup(tuple("10.0.0.1", "10.0.0.2", 1, 2), base)
	tbl.Lookup(tuple("10.0.0.1", "10.0.0.2", 1, 2), base.Add(4*time.Second))

	expired := tbl.Expire(base.Add(6 * time.Second))
	if len(expired) != 0 {
		t.Fatalf("expired = %d, want 0 (flow was re-touched)", len(expired))
	}

	if tbl.Size() != 1 {
		t.Fatalf("size = %d, want 1", tbl.Size())
	}
}

func TestDeleteRemovesImmediately(t *testing.T) {
	tbl := New(30 * time.Second)
	tp := tuple("10.0.0.1", "10.0.0.2", 1, 2)
	tbl.Lookup(tp, time.Now())

	tbl.Delete(tp)

	if tbl.Size() != 0 {
		t.Fatalf("size after delete = %d, want 0", tbl.Size())
	}
}
