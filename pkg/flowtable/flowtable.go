// Package flowtable implements the shared flow table keyed on the
// canonicalized 7-tuple {src-ip, src-port, dst-ip, dst-port, protocol,
// vlan, address-space}, with opaque per-module state slots and
// bucketed idle expiry.
//
// The per-module slot design generalizes the source's
// AppIdFlowdataAdd/Get/Remove free-list pattern
// (_examples/original_source/src/dynamic-preprocessors/appid/flow.c)
// into something any module in this system can use, not just AppID.
// The map itself follows the teacher's atomicConnMap shape
// (decoder/packet/connection.go).
package flowtable

import (
	"crypto/md5" //nolint:gosec // used only as a stable map key, not for security
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
)

// HZ is the source's tick rate for its now*HZ + idle_timeout*HZ expiry
// bucketing. This table buckets by whole seconds instead (see
// bucketFor) and does not use HZ.
const HZ = 100

// Tuple is the raw, pre-canonicalization 7-tuple of a packet.
type Tuple struct {
	SrcIP        net.IP
	DstIP        net.IP
	SrcPort      uint16
	DstPort      uint16
	Protocol     uint8
	VLAN         uint16
	AddressSpace uint32
}

// canonicalKey orders the two endpoints deterministically so that both
// directions of a flow land on the same entry.
func (t Tuple) canonicalKey() string {
	a := fmt.Sprintf("%s:%d", t.SrcIP.String(), t.SrcPort)
	b := fmt.Sprintf("%s:%d", t.DstIP.String(), t.DstPort)

	flip := a > b
	if flip {
		a, b = b, a
	}

	h := md5.Sum([]byte(fmt.Sprintf("%s|%s|%d|%d|%d", a, b, t.Protocol, t.VLAN, t.AddressSpace))) //nolint:gosec

	return fmt.Sprintf("%x", h)
}

// forward reports whether this tuple's source endpoint sorts first
// (string order), i.e. the orientation canonicalKey leaves unflipped.
// Lookup compares it against the creating tuple's orientation.
func (t Tuple) forward() bool {
	a := fmt.Sprintf("%s:%d", t.SrcIP.String(), t.SrcPort)
	b := fmt.Sprintf("%s:%d", t.DstIP.String(), t.DstPort)

	return a <= b
}

// SlotID identifies a module's opaque per-flow state slot, analogous to
// the source's per-preprocessor flow-data ids.
type SlotID int

// Flow is one tracked flow: identity, direction bookkeeping, and a set
// of opaque per-module slots.
type Flow struct {
	UID      xid.ID
	Tuple    Tuple
	Created  time.Time
	LastSeen time.Time

	mu    sync.Mutex
	slots map[SlotID]interface{}
}

// Get returns the module's slot data for this flow, or nil if none.
func (f *Flow) Get(id SlotID) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.slots[id]
}

// Set installs or replaces the module's slot data for this flow.
func (f *Flow) Set(id SlotID, data interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.slots == nil {
		f.slots = make(map[SlotID]interface{})
	}

	f.slots[id] = data
}

// Remove deletes the module's slot data, returning what was there.
func (f *Flow) Remove(id SlotID) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	v := f.slots[id]
	delete(f.slots, id)

	return v
}

// Table is the process-wide flow table.
type Table struct {
	mu          sync.Mutex
	flows       map[string]*Flow
	idleTimeout time.Duration
	buckets     map[int64][]string // expiry bucket (Unix seconds) -> canonical keys
}

// New returns an empty Table with the given idle timeout.
func New(idleTimeout time.Duration) *Table {
	return &Table{
		flows:       make(map[string]*Flow),
		idleTimeout: idleTimeout,
		buckets:     make(map[int64][]string),
	}
}

// Size returns the number of tracked flows.
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.flows)
}

// Lookup finds or creates the Flow for tuple, reporting whether it
// already existed and whether this call observed the forward or
// reverse direction relative to the flow's canonical orientation.
func (t *Table) Lookup(tuple Tuple, now time.Time) (flow *Flow, existed bool, isForward bool) {
	key := tuple.canonicalKey()

	t.mu.Lock()
	defer t.mu.Unlock()

	if f, ok := t.flows[key]; ok {
		f.LastSeen = now
		t.rebucket(key, now)

		return f, true, tuple.forward() == f.Tuple.forward()
	}

	f := &Flow{
		UID:      xid.New(),
		Tuple:    tuple,
		Created:  now,
		LastSeen: now,
	}
	t.flows[key] = f
	t.rebucket(key, now)

	return f, false, true
}

// bucketFor computes the expiry bucket for a flow touched at now:
// now's tick plus the idle timeout in ticks, mirroring the source's
// now*HZ + idle_timeout*HZ scheme (here, one tick per second).
func (t *Table) bucketFor(now time.Time) int64 {
	return now.Unix() + int64(t.idleTimeout/time.Second)
}

func (t *Table) rebucket(key string, now time.Time) {
	b := t.bucketFor(now)
	t.buckets[b] = append(t.buckets[b], key)
}

// Expire removes and returns every flow whose idle timeout has elapsed
// as of now, sweeping expiry buckets up to and including now's bucket.
func (t *Table) Expire(now time.Time) []*Flow {
	t.mu.Lock()
	defer t.mu.Unlock()

	nowBucket := now.Unix()

	var expired []*Flow

	for bucket, keys := range t.buckets {
		if bucket > nowBucket {
			continue
		}

		for _, key := range keys {
			f, ok := t.flows[key]
			if !ok {
				continue
			}

			if now.Sub(f.LastSeen) < t.idleTimeout {
				// got re-bucketed since; still alive
				continue
			}

			expired = append(expired, f)
			delete(t.flows, key)
		}

		delete(t.buckets, bucket)
	}

	return expired
}

// Delete removes a flow by tuple immediately (e.g. on TCP RST/FIN).
func (t *Table) Delete(tuple Tuple) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.flows, tuple.canonicalKey())
}
