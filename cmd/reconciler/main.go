// Command reconciler runs the egress middlebox's reconciliation
// engine: it reads captured traffic from the "in" interface, pairs
// matched data packets with their sideband reports, and forwards
// reconciled traffic out the "out" interface.
//
// CLI surface mirrors the original sample-ids sniffer's colon-separated
// key:value argument style:
//
//	reconciler in:eth0 out:eth1 last
//	reconciler auto
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dreadl0ck/gopacket"
	"github.com/dreadl0ck/gopacket/layers"
	"github.com/dreadl0ck/gopacket/pcap"
	"github.com/evilsocket/islazy/tui"
	"github.com/dustin/go-humanize"
	"github.com/mgutz/ansi"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/DeepnessLab/moly-sub000/pkg/httppaf"
	"github.com/DeepnessLab/moly-sub000/pkg/pbuf"
	"github.com/DeepnessLab/moly-sub000/pkg/reconciler"
	"github.com/DeepnessLab/moly-sub000/pkg/sysconfig"
)

func main() {
	cfg, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "usage: reconciler in:<iface> out:<iface> [last] | reconciler auto")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	fmt.Println(ansi.Color("reconciler starting", "green+b"))

	sysctx := sysconfig.New(cfg, log, nil)

	inHandle, err := pcap.OpenLive(cfg.InInterface, 65535, true, pcap.BlockForever)
	if err != nil {
		log.Fatal("failed to open input interface", zap.Error(err))
	}
	defer inHandle.Close()

	if err := inHandle.SetBPFFilter("ip"); err != nil {
		log.Fatal("failed to set capture filter", zap.Error(err))
	}

	_ = inHandle.SetDirection(pcap.DirectionIn)

	outHandle, err := pcap.OpenLive(cfg.OutInterface, 65535, true, pcap.BlockForever)
	if err != nil {
		log.Fatal("failed to open output interface", zap.Error(err))
	}
	defer outHandle.Close()

	fwd := &pcapForwarder{handle: outHandle}
	defrag := httppaf.NewDefragmenter()

	r := reconciler.New(reconciler.Config{
		BufferTimeout: cfg.BufferTimeout,
		SweepInterval: cfg.SweepInterval,
		Last:          cfg.Last,
	}, sysctx.Component("reconciler"), fwd, reconciler.NewMetrics(sysctx.Metrics))
	r.Start()

	runStart := time.Now()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	done := make(chan struct{})

	go func() {
		src := gopacket.NewPacketSource(inHandle, layers.LayerTypeEthernet)

		for pkt := range src.Packets() {
			env := toEnvelope(defrag, pkt)
			if env == nil {
				continue
			}

			if err := r.ProcessPacket(env); err != nil {
				sysctx.Component("reconciler").Debug("drop malformed packet", zap.Error(err))
			}
		}

		close(done)
	}()

	select {
	case <-sigCh:
	case <-done:
	}

	stats := r.Stop()
	printShutdownReport(stats, runStart, time.Now())
}

func parseArgs(args []string) (sysconfig.Config, error) {
	var cfg sysconfig.Config
	cfg.BufferTimeout = reconciler.DefaultBufferTimeout
	cfg.SweepInterval = reconciler.DefaultSweepInterval

	if len(args) == 1 && args[0] == "auto" {
		return cfg.WithAutoDefaults(), nil
	}

	for _, tok := range args {
		tok = strings.TrimSpace(tok)

		switch {
		case tok == "auto":
			cfg = cfg.WithAutoDefaults()
		case tok == "last":
			cfg.Last = true
		case strings.HasPrefix(tok, "in:"):
			cfg.InInterface = strings.TrimPrefix(tok, "in:")
		case strings.HasPrefix(tok, "out:"):
			cfg.OutInterface = strings.TrimPrefix(tok, "out:")
		default:
			return cfg, errors.Errorf("unrecognized argument token %q", tok)
		}
	}

	if cfg.InInterface == "" || cfg.OutInterface == "" {
		return cfg, errors.New("both in:<iface> and out:<iface> are required (or pass auto)")
	}

	return cfg, nil
}

// pcapForwarder writes reconciled packets out a live pcap handle.
type pcapForwarder struct {
	handle *pcap.Handle
}

func (f *pcapForwarder) Forward(env *pbuf.Envelope) error {
	if err := f.handle.WritePacketData(env.Raw); err != nil {
		return errors.Wrap(err, "pcapForwarder: write")
	}

	return nil
}

// toEnvelope projects a captured gopacket.Packet into the reconciler's
// envelope type, deriving the per-protocol sequence number the
// pairing key's last component needs.
//
// Every IPv4 layer passes through defrag first. An in-progress fragment
// yields no envelope at all; a datagram that arrived whole comes back
// from Defrag unchanged (same pointer) and is projected straight off
// pkt's own already-decoded layers as before. Only a datagram that
// defrag actually had to reassemble needs its transport header decoded
// out of the freshly joined payload, since pkt's own TransportLayer
// reflects just the first fragment.
func toEnvelope(defrag *httppaf.Defragmenter, pkt gopacket.Packet) *pbuf.Envelope {
	nl := pkt.NetworkLayer()
	if nl == nil {
		return nil
	}

	ipv4, ok := nl.(*layers.IPv4)
	if !ok {
		return nil
	}

	reassembled, err := defrag.Defrag(ipv4)
	if err != nil {
		return nil
	}

	if reassembled == nil {
		// fragment stored, awaiting the rest of the datagram
		return nil
	}

	env := &pbuf.Envelope{
		Raw:      pkt.Data(),
		Arrival:  pkt.Metadata().Timestamp,
		SrcIP:    reassembled.SrcIP,
		DstIP:    reassembled.DstIP,
		Protocol: uint8(reassembled.Protocol),
		TOS:      reassembled.TOS,
		TTL:      reassembled.TTL,
	}

	if reassembled == ipv4 {
		if al := pkt.ApplicationLayer(); al != nil {
			env.Payload = al.Payload()
		}

		switch tl := pkt.TransportLayer().(type) {
		case *layers.TCP:
			env.SrcPort = uint16(tl.SrcPort)
			env.DstPort = uint16(tl.DstPort)
			env.SeqNum = tl.Seq
		case *layers.UDP:
			env.SrcPort = uint16(tl.SrcPort)
			env.DstPort = uint16(tl.DstPort)
			env.SeqNum = uint32(tl.Checksum)
			if env.Payload == nil {
				env.Payload = tl.Payload
			}
		}

		return env
	}

	switch reassembled.Protocol {
	case layers.IPProtocolTCP:
		tcp := &layers.TCP{}
		if err := tcp.DecodeFromBytes(reassembled.Payload, gopacket.NilDecodeFeedback); err == nil {
			env.SrcPort = uint16(tcp.SrcPort)
			env.DstPort = uint16(tcp.DstPort)
			env.SeqNum = tcp.Seq
			env.Payload = tcp.Payload
		}
	case layers.IPProtocolUDP:
		udp := &layers.UDP{}
		if err := udp.DecodeFromBytes(reassembled.Payload, gopacket.NilDecodeFeedback); err == nil {
			env.SrcPort = uint16(udp.SrcPort)
			env.DstPort = uint16(udp.DstPort)
			env.SeqNum = uint32(udp.Checksum)
			env.Payload = udp.Payload
		}
	}

	return env
}

func printShutdownReport(stats reconciler.Stats, start, end time.Time) {
	t := tui.NewTable([]string{"metric", "value"})
	t.AddRow([]string{"packets in", fmt.Sprintf("%d", stats.PacketsIn)})
	t.AddRow([]string{"bytes in", humanize.Bytes(uint64(stats.BytesIn))})
	t.AddRow([]string{"paired", fmt.Sprintf("%d", stats.Paired)})
	t.AddRow([]string{"reported matches", fmt.Sprintf("%d", stats.TotalReported)})
	t.AddRow([]string{"timed out (data)", fmt.Sprintf("%d", stats.TimedOutData)})
	t.AddRow([]string{"timed out (reports)", fmt.Sprintf("%d", stats.TimedOutMatch)})
	t.AddRow([]string{"gross throughput", fmt.Sprintf("%.2f Mbps", stats.GrossThroughputMbps(start, end))})
	t.AddRow([]string{"net throughput", fmt.Sprintf("%.2f Mbps", stats.NetThroughputMbps())})
	t.Render()
}
