package pbuf

import (
	"net"
	"testing"
	"time"
)

func mkEnvelope(seq uint32, srcPort, dstPort uint16, t time.Time) *Envelope {
	return &Envelope{
		SrcIP:   net.ParseIP("10.0.0.1"),
		DstIP:   net.ParseIP("10.0.0.2"),
		SrcPort: srcPort,
		DstPort: dstPort,
		SeqNum:  seq,
		Arrival: t,
	}
}

func TestEmptyInvariant(t *testing.T) {
	b := New()

	if b.Size() != 0 {
		t.Fatalf("new buffer size = %d, want 0", b.Size())
	}

	if b.Peek() != nil {
		t.Fatalf("peek on empty buffer returned non-nil")
	}

	if b.Dequeue() != nil {
		t.Fatalf("dequeue on empty buffer returned non-nil")
	}
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	b := New()
	now := time.Unix(1000, 0)

	e1 := mkEnvelope(1, 100, 200, now)
	e2 := mkEnvelope(2, 100, 200, now)
	e3 := mkEnvelope(3, 100, 200, now)

	b.Enqueue(e1)
	b.Enqueue(e2)
	b.Enqueue(e3)

	if b.Size() != 3 {
		t.Fatalf("size = %d, want 3", b.Size())
	}

	for _, want := range []*Envelope{e1, e2, e3} {
		got := b.Dequeue()
		if got != want {
			t.Fatalf("dequeue order violated: got seq %d, want %d", got.SeqNum, want.SeqNum)
		}
	}

	if b.Size() != 0 {
		t.Fatalf("size after draining = %d, want 0", b.Size())
	}

	if b.Dequeue() != nil {
		t.Fatalf("dequeue past empty returned non-nil")
	}
}

// TestDequeueToEmptyNoDeref exercises the case the source's
// packet_buffer_dequeue gets wrong: dropping the last entry must not
// dereference a nil new-head.
func TestDequeueToEmptyNoDeref(t *testing.T) {
	b := New()
	b.Enqueue(mkEnvelope(1, 1, 2, time.Now()))

	if got := b.Dequeue(); got == nil {
		t.Fatalf("dequeue returned nil for single-entry buffer")
	}

	if b.Size() != 0 {
		t.Fatalf("size = %d, want 0", b.Size())
	}

	// buffer must still be usable afterward
	b.Enqueue(mkEnvelope(2, 1, 2, time.Now()))

	if b.Size() != 1 {
		t.Fatalf("size after re-enqueue = %d, want 1", b.Size())
	}
}

func TestPopByTupleRemovesAtMostOne(t *testing.T) {
	b := New()
	now := time.Now()

	e1 := mkEnvelope(10, 100, 200, now)
	e2 := mkEnvelope(10, 100, 200, now) // same tuple+seq, distinct object
	e3 := mkEnvelope(20, 100, 200, now)

	b.Enqueue(e1)
	b.Enqueue(e2)
	b.Enqueue(e3)

	got := b.PopByTuple(e1.SrcIP, e1.DstIP, e1.SrcPort, e1.DstPort, 10)
	if got != e1 {
		t.Fatalf("pop_by_tuple did not return the first match")
	}

	if b.Size() != 2 {
		t.Fatalf("size = %d, want 2 after popping exactly one entry", b.Size())
	}

	// the remaining duplicate-keyed entry must still be poppable exactly once
	got2 := b.PopByTuple(e2.SrcIP, e2.DstIP, e2.SrcPort, e2.DstPort, 10)
	if got2 != e2 {
		t.Fatalf("second pop_by_tuple did not return the remaining match")
	}

	if b.Size() != 1 {
		t.Fatalf("size = %d, want 1", b.Size())
	}
}

func TestPopByTupleMiss(t *testing.T) {
	b := New()
	b.Enqueue(mkEnvelope(1, 1, 2, time.Now()))

	if got := b.PopByTuple(net.ParseIP("9.9.9.9"), net.ParseIP("9.9.9.8"), 1, 2, 1); got != nil {
		t.Fatalf("pop_by_tuple matched on wrong IP")
	}

	if b.Size() != 1 {
		t.Fatalf("miss must not remove any entry, size = %d", b.Size())
	}
}

func TestDequeueOlderThan(t *testing.T) {
	b := New()
	base := time.Unix(1_700_000_000, 0)

	b.Enqueue(mkEnvelope(1, 1, 2, base))
	b.Enqueue(mkEnvelope(2, 1, 2, base.Add(5*time.Second)))
	b.Enqueue(mkEnvelope(3, 1, 2, base.Add(20*time.Second)))

	dropped := b.DequeueOlderThan(base.Add(10 * time.Second))
	if len(dropped) != 2 {
		t.Fatalf("dropped = %d, want 2", len(dropped))
	}

	if b.Size() != 1 {
		t.Fatalf("size after sweep = %d, want 1", b.Size())
	}

	if got := b.Peek(); got.SeqNum != 3 {
		t.Fatalf("remaining entry seq = %d, want 3", got.SeqNum)
	}
}

func TestSlabReuseAfterDequeue(t *testing.T) {
	b := New()

	for i := 0; i < 100; i++ {
		b.Enqueue(mkEnvelope(uint32(i), 1, 2, time.Now()))
		b.Dequeue()
	}

	if b.Size() != 0 {
		t.Fatalf("size = %d, want 0", b.Size())
	}

	if len(b.slab) > 2 {
		t.Fatalf("slab grew unbounded despite free-list reuse: len=%d", len(b.slab))
	}
}

func TestDestroyDrainsAndResets(t *testing.T) {
	b := New()
	b.Enqueue(mkEnvelope(1, 1, 2, time.Now()))
	b.Enqueue(mkEnvelope(2, 1, 2, time.Now()))

	drained := b.Destroy(false)
	if len(drained) != 2 {
		t.Fatalf("drained = %d, want 2", len(drained))
	}

	if b.Size() != 0 {
		t.Fatalf("size after destroy = %d, want 0", b.Size())
	}
}
