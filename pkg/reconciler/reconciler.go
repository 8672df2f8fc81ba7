// Package reconciler implements the egress middlebox's reconciliation
// engine: it pairs data packets forwarded by the ingress box (marked via
// TOS high bits) with their out-of-band match reports arriving over an
// unreliable sideband UDP channel, scrubs the marker, and forwards the
// original packet onward exactly once.
//
// Grounded on _examples/original_source/apps/sample-ids/ids-fp/src/Sniffer/Sniffer.c.
package reconciler

import (
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/DeepnessLab/moly-sub000/pkg/pbuf"
	"github.com/DeepnessLab/moly-sub000/pkg/sideband"
)

// Defaults mirror Sniffer.c's BUFFER_TIMEOUT / BUFFER_CLEANNING_INTERVAL.
const (
	DefaultBufferTimeout = 10 * time.Second
	DefaultSweepInterval = 3 * time.Second
)

// Config controls reconciler behavior.
type Config struct {
	// BufferTimeout is how long an unpaired entry sits in either queue
	// before the janitor drops it.
	BufferTimeout time.Duration
	// SweepInterval is how often the janitor runs.
	SweepInterval time.Duration
	// Last marks this reconciler as the terminal hop: only a terminal
	// hop scrubs the has-matches TOS marker and drops the sideband
	// report rather than re-forwarding it.
	Last bool
}

func (c Config) withDefaults() Config {
	if c.BufferTimeout == 0 {
		c.BufferTimeout = DefaultBufferTimeout
	}

	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}

	return c
}

// Forwarder sends a reconciled packet on toward its original destination.
type Forwarder interface {
	Forward(*pbuf.Envelope) error
}

// Stats accumulates throughput and pairing counters for the shutdown
// report (gross vs. net throughput, matching Sniffer.c's stop()).
type Stats struct {
	PacketsIn     int64
	BytesIn       int64
	Paired        int64
	TimedOutData  int64
	TimedOutMatch int64
	TotalReported int64
	FirstPacketAt time.Time
	LastPacketAt  time.Time
}

// Reconciler pairs data packets with their match reports and forwards
// reconciled traffic.
type Reconciler struct {
	cfg     Config
	log     *zap.Logger
	fwd     Forwarder
	metrics *Metrics

	dataQueue  *pbuf.Buffer // data packets (TOS has-matches) awaiting their report
	matchQueue *pbuf.Buffer // sideband reports awaiting their data packet

	statsMu sync.Mutex
	stats   Stats

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Reconciler. The forwarder must not be nil. metrics
// may be nil, in which case no prometheus counters are touched.
func New(cfg Config, log *zap.Logger, fwd Forwarder, metrics *Metrics) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}

	return &Reconciler{
		cfg:        cfg.withDefaults(),
		log:        log,
		fwd:        fwd,
		metrics:    metrics,
		dataQueue:  pbuf.New(),
		matchQueue: pbuf.New(),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the janitor sweep goroutine.
func (r *Reconciler) Start() {
	r.wg.Add(1)

	go r.janitorLoop()
}

// Stop halts the janitor and drains both queues without forwarding the
// leftovers (mirrors packet_buffer_destroy at shutdown).
func (r *Reconciler) Stop() Stats {
	close(r.stopCh)
	r.wg.Wait()

	r.dataQueue.Destroy(true)
	r.matchQueue.Destroy(true)

	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	return r.stats
}

func (r *Reconciler) janitorLoop() {
	defer r.wg.Done()

	t := time.NewTicker(r.cfg.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-t.C:
			r.sweep()
		}
	}
}

// sweep drops entries from both queues older than BufferTimeout. The
// source only ever swept the data queue ("TODO: also clean
// matchPacketQueue"); this reconciler sweeps both.
func (r *Reconciler) sweep() {
	cutoff := time.Now().Add(-r.cfg.BufferTimeout)

	dropped := r.dataQueue.DequeueOlderThan(cutoff)
	if len(dropped) > 0 {
		r.log.Debug("dropped unpaired data packets", zap.Int("count", len(dropped)))

		r.statsMu.Lock()
		r.stats.TimedOutData += int64(len(dropped))
		r.statsMu.Unlock()

		if r.metrics != nil {
			r.metrics.timedOut.WithLabelValues("data").Add(float64(len(dropped)))
		}
	}

	droppedReports := r.matchQueue.DequeueOlderThan(cutoff)
	if len(droppedReports) > 0 {
		r.log.Debug("dropped unpaired match reports", zap.Int("count", len(droppedReports)))

		r.statsMu.Lock()
		r.stats.TimedOutMatch += int64(len(droppedReports))
		r.statsMu.Unlock()

		if r.metrics != nil {
			r.metrics.timedOut.WithLabelValues("match").Add(float64(len(droppedReports)))
		}
	}
}

// ProcessPacket is the main dispatch, mirroring process_packet: a
// sideband report either pairs with a buffered data packet or is
// buffered itself; a has-matches data packet either pairs with a
// buffered report or is buffered itself; anything else forwards
// directly.
func (r *Reconciler) ProcessPacket(env *pbuf.Envelope) error {
	r.recordArrival(env)

	if env.Protocol == 17 { // UDP
		if dgram, err := sideband.Decode(env.Payload); err == nil {
			return r.handleReport(env, dgram)
		} else if err != sideband.ErrNotSideband {
			r.log.Debug("malformed sideband datagram", zap.String("dump", spew.Sdump(env.Payload)))

			return errors.Wrap(err, "reconciler: malformed sideband datagram")
		}
	}

	if sideband.HasMatches(env.TOS) {
		return r.handleData(env)
	}

	return r.fwd.Forward(env)
}

func (r *Reconciler) recordArrival(env *pbuf.Envelope) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	r.stats.PacketsIn++
	r.stats.BytesIn += int64(len(env.Raw))

	if r.stats.FirstPacketAt.IsZero() {
		r.stats.FirstPacketAt = env.Arrival
	}

	r.stats.LastPacketAt = env.Arrival

	if r.metrics != nil {
		r.metrics.packetsIn.Inc()
		r.metrics.bytesIn.Add(float64(len(env.Raw)))
	}
}

// handleReport pairs an incoming sideband report against a buffered
// data packet, keyed on the packet's own tuple and the report's
// embedded flow-sequence-key (not the UDP datagram's own sequence,
// which doesn't exist). If nothing is buffered yet, a copy of the
// report keyed on that flow-sequence-key is buffered to await the data
// packet.
func (r *Reconciler) handleReport(reportPkt *pbuf.Envelope, dgram *sideband.Datagram) error {
	dataPkt := r.dataQueue.PopByTuple(reportPkt.SrcIP, reportPkt.DstIP, reportPkt.SrcPort, reportPkt.DstPort, dgram.FlowSeqKey)
	if dataPkt == nil {
		keyed := *reportPkt
		keyed.SeqNum = dgram.FlowSeqKey
		r.matchQueue.Enqueue(&keyed)

		return nil
	}

	return r.handleMatches(dataPkt, reportPkt, dgram)
}

// handleData pairs an incoming has-matches data packet against a
// buffered report, keyed on the packet's own tuple and a seqnum derived
// per-protocol (TCP sequence number, UDP checksum, zero for ICMP). If
// no report is buffered yet, the data packet is buffered to await one.
func (r *Reconciler) handleData(dataPkt *pbuf.Envelope) error {
	reportPkt := r.matchQueue.PopByTuple(dataPkt.SrcIP, dataPkt.DstIP, dataPkt.SrcPort, dataPkt.DstPort, dataPkt.SeqNum)
	if reportPkt == nil {
		r.dataQueue.Enqueue(dataPkt)

		return nil
	}

	dgram, err := sideband.Decode(reportPkt.Payload)
	if err != nil {
		return errors.Wrap(err, "reconciler: buffered report no longer decodes")
	}

	return r.handleMatches(dataPkt, reportPkt, dgram)
}

// handleMatches forwards the reconciled data packet, scrubbing the TOS
// marker only at the terminal hop, and accounts the reported matches.
// The data packet is always forwarded; the report packet is forwarded
// onward only when this reconciler is not the terminal hop, so
// downstream reconcilers can still observe it.
func (r *Reconciler) handleMatches(dataPkt, reportPkt *pbuf.Envelope, dgram *sideband.Datagram) error {
	if r.cfg.Last {
		dataPkt.TOS = sideband.ScrubTOS(dataPkt.TOS)
	}

	r.statsMu.Lock()
	r.stats.Paired++
	r.stats.TotalReported += int64(len(dgram.Reports))
	r.statsMu.Unlock()

	if r.metrics != nil {
		r.metrics.paired.Inc()
		r.metrics.totalMatches.Add(float64(len(dgram.Reports)))
	}

	if err := r.fwd.Forward(dataPkt); err != nil {
		return errors.Wrap(err, "reconciler: forward data packet")
	}

	if !r.cfg.Last {
		if err := r.fwd.Forward(reportPkt); err != nil {
			return errors.Wrap(err, "reconciler: forward report packet")
		}
	}

	return nil
}

// DeriveSeqNum computes the per-protocol sequence number used as the
// pairing key's last component: the TCP sequence number, the UDP
// checksum word, or zero for ICMP/anything else.
func DeriveSeqNum(protocol uint8, tcpSeq uint32, udpChecksum uint16) uint32 {
	switch protocol {
	case 6: // TCP
		return tcpSeq
	case 17: // UDP
		return uint32(udpChecksum)
	default:
		return 0
	}
}

// GrossThroughputMbps is the wall-clock throughput across the whole
// run, mirroring Sniffer.c's stop() gross figure.
func (s Stats) GrossThroughputMbps(runStart, runEnd time.Time) float64 {
	d := runEnd.Sub(runStart).Seconds()
	if d <= 0 {
		return 0
	}

	return float64(s.BytesIn*8) / d / 1e6
}

// NetThroughputMbps is the throughput measured strictly between the
// first and last packet seen, excluding idle startup/shutdown time.
func (s Stats) NetThroughputMbps() float64 {
	d := s.LastPacketAt.Sub(s.FirstPacketAt).Seconds()
	if d <= 0 {
		return 0
	}

	return float64(s.BytesIn*8) / d / 1e6
}

