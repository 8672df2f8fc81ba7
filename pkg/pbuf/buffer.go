// Package pbuf implements the Packet-Buffer: a FIFO of queued in-flight
// packet envelopes used by the reconciler to pair data packets with their
// sideband match reports on an unreliable, reordered channel.
//
// The source (PacketBuffer.c/.h) uses a doubly-linked list of
// malloc'd nodes guarded by a spinlock. Per the systems-language design
// note, this implementation instead uses a slab of indexed entries with a
// free list, so enqueue/dequeue/pop stay O(1)/O(n) without per-node
// allocation churn.
package pbuf

import (
	"net"
	"sync"
	"time"
)

// nilIdx marks the absence of a slab entry (head/tail/prev/next).
const nilIdx = ^uint32(0)

// Envelope is a captured frame with its parsed projection, parsed at
// ingest. The reconciler's terminal-hop scrub rewrites TOS in place;
// the other fields are not changed after ingest.
type Envelope struct {
	Raw      []byte
	Arrival  time.Time
	SeqNum   uint32 // TCP SEQ / UDP checksum / 0 for ICMP
	SrcIP    net.IP
	DstIP    net.IP
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
	TOS      uint8
	TTL      uint8
	Payload  []byte
}

// HasMatches reports whether both high bits of the TOS byte are set.
func (e *Envelope) HasMatches() bool {
	return e.TOS&0xC0 == 0xC0
}

type slabEntry struct {
	packet     *Envelope
	prev, next uint32
	live       bool
}

// Buffer is a doubly-linked FIFO of packet envelopes, lock-protected.
// The zero value is not ready to use; call New.
type Buffer struct {
	mu       sync.Mutex
	slab     []slabEntry
	freeList []uint32
	head     uint32
	tail     uint32
	size     int
}

// New returns an initialized, empty Buffer (mirrors packet_buffer_init).
func New() *Buffer {
	return &Buffer{head: nilIdx, tail: nilIdx}
}

// Size returns the number of live entries.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.size
}

func (b *Buffer) alloc(p *Envelope) uint32 {
	if n := len(b.freeList); n > 0 {
		idx := b.freeList[n-1]
		b.freeList = b.freeList[:n-1]
		b.slab[idx] = slabEntry{packet: p, prev: nilIdx, next: nilIdx, live: true}

		return idx
	}

	b.slab = append(b.slab, slabEntry{packet: p, prev: nilIdx, next: nilIdx, live: true})

	return uint32(len(b.slab) - 1)
}

func (b *Buffer) release(idx uint32) *Envelope {
	p := b.slab[idx].packet
	b.slab[idx] = slabEntry{prev: nilIdx, next: nilIdx}
	b.freeList = append(b.freeList, idx)

	return p
}

// Enqueue appends packet at the tail in O(1).
func (b *Buffer) Enqueue(p *Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.alloc(p)
	b.slab[idx].prev = b.tail

	if b.tail != nilIdx {
		b.slab[b.tail].next = idx
	}

	b.tail = idx

	if b.head == nilIdx {
		b.head = idx
	}

	b.size++
}

// Dequeue removes and returns the head entry in O(1), or nil if empty.
func (b *Buffer) Dequeue() *Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return nil
	}

	i := b.head
	next := b.slab[i].next
	b.head = next

	// guard explicitly: the new head may itself be nilIdx (queue drained
	// to empty) and must not be dereferenced in that case. See the open
	// question in DESIGN.md re: the source's unchecked q->head->prev.
	if b.head != nilIdx {
		b.slab[b.head].prev = nilIdx
	} else {
		b.tail = nilIdx
	}

	b.size--

	return b.release(i)
}

// Peek returns the head entry without removing it, or nil if empty.
func (b *Buffer) Peek() *Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return nil
	}

	return b.slab[b.head].packet
}

// PeekArrival returns the arrival time of the head entry and whether the
// buffer is non-empty, without taking ownership.
func (b *Buffer) PeekArrival() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return time.Time{}, false
	}

	return b.slab[b.head].packet.Arrival, true
}

// PopByTuple performs an O(n) linear scan for the entry whose parsed
// 5-tuple and sequence number match exactly, removing and returning it.
// At most one entry is ever removed.
func (b *Buffer) PopByTuple(srcIP, dstIP net.IP, srcPort, dstPort uint16, seqnum uint32) *Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := b.head; i != nilIdx; i = b.slab[i].next {
		p := b.slab[i].packet
		if p.SeqNum != seqnum || p.SrcPort != srcPort || p.DstPort != dstPort {
			continue
		}

		if !p.SrcIP.Equal(srcIP) || !p.DstIP.Equal(dstIP) {
			continue
		}

		prev, next := b.slab[i].prev, b.slab[i].next

		if prev != nilIdx {
			b.slab[prev].next = next
		} else {
			b.head = next
		}

		if next != nilIdx {
			b.slab[next].prev = prev
		} else {
			b.tail = prev
		}

		b.size--

		return b.release(i)
	}

	return nil
}

// DequeueOlderThan drops and returns every entry from the head whose
// arrival time is older than cutoff, stopping at the first entry that
// isn't. Used by the reconciler's janitor sweep.
func (b *Buffer) DequeueOlderThan(cutoff time.Time) []*Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	var dropped []*Envelope

	for b.size > 0 && b.slab[b.head].packet.Arrival.Before(cutoff) {
		i := b.head
		next := b.slab[i].next
		b.head = next

		if b.head != nilIdx {
			b.slab[b.head].prev = nilIdx
		} else {
			b.tail = nilIdx
		}

		b.size--
		dropped = append(dropped, b.release(i))
	}

	return dropped
}

// Destroy releases every remaining entry. If releaseItems is true the
// packet envelope each entry owns is also discarded (eligible for GC);
// otherwise callers retain responsibility for any owned resources.
func (b *Buffer) Destroy(releaseItems bool) []*Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	var drained []*Envelope

	for i := b.head; i != nilIdx; {
		next := b.slab[i].next

		if !releaseItems {
			drained = append(drained, b.slab[i].packet)
		}

		i = next
	}

	b.slab = nil
	b.freeList = nil
	b.head, b.tail = nilIdx, nilIdx
	b.size = 0

	return drained
}
