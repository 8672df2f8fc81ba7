package reconciler

import (
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/DeepnessLab/moly-sub000/pkg/pbuf"
	"github.com/DeepnessLab/moly-sub000/pkg/sideband"
)

type recordingForwarder struct {
	forwarded []*pbuf.Envelope
}

func (f *recordingForwarder) Forward(e *pbuf.Envelope) error {
	f.forwarded = append(f.forwarded, e)

	return nil
}

func dataPacket(seq uint32, tos uint8, t time.Time) *pbuf.Envelope {
	return &pbuf.Envelope{
		SrcIP:    net.ParseIP("10.0.0.1"),
		DstIP:    net.ParseIP("10.0.0.2"),
		SrcPort:  4000,
		DstPort:  80,
		Protocol: 6,
		SeqNum:   seq,
		TOS:      tos,
		Arrival:  t,
	}
}

func reportPacket(flowSeqKey uint32, reports []sideband.Report, t time.Time) *pbuf.Envelope {
	dgram := &sideband.Datagram{FlowSeqKey: flowSeqKey, Reports: reports}

	return &pbuf.Envelope{
		SrcIP:    net.ParseIP("10.0.0.1"),
		DstIP:    net.ParseIP("10.0.0.2"),
		SrcPort:  4000,
		DstPort:  80,
		Protocol: 17,
		Payload:  sideband.Encode(dgram),
		Arrival:  t,
	}
}

func TestDataThenReportPairs(t *testing.T) {
	fwd := &recordingForwarder{}
	m := NewMetrics(prometheus.NewRegistry())
	r := New(Config{Last: true}, zaptest.NewLogger(t), fwd, m)

	now := time.Now()
	r.ProcessPacket(dataPacket(123, 0xC3, now))

	if r.dataQueue.Size() != 1 {
		t.Fatalf("data queue size = %d, want 1 (unpaired)", r.dataQueue.Size())
	}

	r.ProcessPacket(reportPacket(123, []sideband.Report{{RuleID: 1, StartIndex: 0}}, now))

	if len(fwd.forwarded) != 1 {
		t.Fatalf("forwarded = %d, want 1", len(fwd.forwarded))
	}

	if sideband.HasMatches(fwd.forwarded[0].TOS) {
		t.Fatalf("terminal hop failed to scrub TOS marker")
	}

	if r.dataQueue.Size() != 0 || r.matchQueue.Size() != 0 {
		t.Fatalf("queues not drained after pairing")
	}

	if got := testutil.ToFloat64(m.paired); got != 1 {
		t.Fatalf("paired counter = %v, want 1", got)
	}

	if got := testutil.ToFloat64(m.packetsIn); got != 2 {
		t.Fatalf("packets_in counter = %v, want 2", got)
	}
}

func TestReportThenDataPairs(t *testing.T) {
	fwd := &recordingForwarder{}
	r := New(Config{Last: false}, zaptest.NewLogger(t), fwd, NewMetrics(prometheus.NewRegistry()))

	now := time.Now()
	r.ProcessPacket(reportPacket(456, []sideband.Report{{RuleID: 2, StartIndex: 5}}, now))

	if r.matchQueue.Size() != 1 {
		t.Fatalf("match queue size = %d, want 1 (unpaired)", r.matchQueue.Size())
	}

	r.ProcessPacket(dataPacket(456, 0xC0, now))

	// non-terminal hop forwards both the data packet and the report
	if len(fwd.forwarded) != 2 {
		t.Fatalf("forwarded = %d, want 2", len(fwd.forwarded))
	}
}

func TestNonMatchingPacketForwardsDirectly(t *testing.T) {
	fwd := &recordingForwarder{}
	r := New(Config{Last: true}, zaptest.NewLogger(t), fwd, NewMetrics(prometheus.NewRegistry()))

	r.ProcessPacket(dataPacket(1, 0x00, time.Now()))

	if len(fwd.forwarded) != 1 {
		t.Fatalf("forwarded = %d, want 1", len(fwd.forwarded))
	}

	if r.dataQueue.Size() != 0 {
		t.Fatalf("non-matching packet must not be buffered")
	}
}

func TestJanitorSweepsBothQueues(t *testing.T) {
	fwd := &recordingForwarder{}
	r := New(Config{Last: true, BufferTimeout: 10 * time.Millisecond, SweepInterval: 5 * time.Millisecond}, zaptest.NewLogger(t), fwd, NewMetrics(prometheus.NewRegistry()))

	old := time.Now().Add(-time.Hour)
	r.ProcessPacket(dataPacket(1, 0xC0, old))
	r.ProcessPacket(reportPacket(2, nil, old))

	r.Start()
	time.Sleep(40 * time.Millisecond)
	stats := r.Stop()

	if stats.TimedOutData != 1 || stats.TimedOutMatch != 1 {
		t.Fatalf("stats = %+v, want 1 timeout in each queue", stats)
	}
}

func TestThroughputHelpers(t *testing.T) {
	start := time.Unix(1000, 0)
	end := start.Add(10 * time.Second)

	s := Stats{BytesIn: 1_000_000, FirstPacketAt: start.Add(time.Second), LastPacketAt: end.Add(-time.Second)}

	if g := s.GrossThroughputMbps(start, end); g <= 0 {
		t.Fatalf("gross throughput = %v, want > 0", g)
	}

	if n := s.NetThroughputMbps(); n <= 0 {
		t.Fatalf("net throughput = %v, want > 0", n)
	}
}
