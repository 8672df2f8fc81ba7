// Stream reassembly wiring: feeds defragmented, TCP-reassembled byte
// streams into per-connection Sessions, so PAF sees whole application
// messages rather than raw segments or IP fragments.
//
// Grounded on the teacher's ReassemblePacket and tcpConnection Stream
// implementation (decoder/stream/tcpConnection.go): defrag every IPv4
// packet ahead of reassembly (ReassemblePacket's
// streamFactory.defragger.DefragIPv4 call; here it is unconditional,
// with no setting to turn it off), and implement reassembly.Stream the same way
// tcpConnection does, splitting ReassembledSG's chunks by direction —
// except a tcpStream drives PAF flush decisions instead of writing a
// pcap conversation file.
package httppaf

import (
	"sync"

	"github.com/dreadl0ck/gopacket"
	"github.com/dreadl0ck/gopacket/ip4defrag"
	"github.com/dreadl0ck/gopacket/layers"
	"github.com/dreadl0ck/netcap/reassembly"
)

// Defragmenter reassembles fragmented IPv4 packets ahead of TCP stream
// reassembly, mirroring the defrag step in the teacher's
// ReassemblePacket.
type Defragmenter struct {
	d *ip4defrag.IPv4Defragmenter
}

// NewDefragmenter returns a ready-to-use IPv4 defragmenter.
func NewDefragmenter() *Defragmenter {
	return &Defragmenter{d: ip4defrag.NewIPv4Defragmenter()}
}

// Defrag feeds one IPv4 layer through the defragmenter. It returns nil
// while fragments are still outstanding, and the reassembled layer once
// the datagram is complete (immediately, for an unfragmented one).
func (d *Defragmenter) Defrag(ip4 *layers.IPv4) (*layers.IPv4, error) {
	return d.d.DefragIPv4(ip4)
}

// captureContext is the minimal reassembly.AssemblerContext FeedPacket
// needs to hand a packet's capture metadata to the assembler.
type captureContext struct {
	ci gopacket.CaptureInfo
}

func (c *captureContext) GetCaptureInfo() gopacket.CaptureInfo { return c.ci }

// FeedPacket defragments packet's IPv4 layer (if fragmented) and, once
// the datagram is whole, submits its TCP payload to assembler.
// Non-IPv4 or non-TCP packets are ignored. This is the ingress-side
// entry point an external capture loop would call per packet; building
// that loop itself is outside this package's scope.
func FeedPacket(defrag *Defragmenter, assembler *reassembly.Assembler, packet gopacket.Packet) error {
	ip4Layer := packet.Layer(layers.LayerTypeIPv4)
	if ip4Layer == nil {
		return nil
	}

	ip4, ok := ip4Layer.(*layers.IPv4)
	if !ok {
		return nil
	}

	reassembled, err := defrag.Defrag(ip4)
	if err != nil {
		return err
	}

	if reassembled == nil {
		// fragment stored, awaiting the rest of the datagram
		return nil
	}

	if reassembled != ip4 {
		// joined from fragments: the TCP header lives in the reassembled
		// payload, packet's own layers hold only the last fragment
		if reassembled.Protocol != layers.IPProtocolTCP {
			return nil
		}

		tcp := &layers.TCP{}
		if err := tcp.DecodeFromBytes(reassembled.Payload, gopacket.NilDecodeFeedback); err != nil {
			return err
		}

		assembler.AssembleWithContext(reassembled.NetworkFlow(), tcp, &captureContext{ci: packet.Metadata().CaptureInfo})

		return nil
	}

	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return nil
	}

	tcp, ok := tcpLayer.(*layers.TCP)
	if !ok {
		return nil
	}

	assembler.AssembleWithContext(packet.NetworkLayer().NetworkFlow(), tcp, &captureContext{
		ci: packet.Metadata().CaptureInfo,
	})

	return nil
}

// tcpStream feeds one TCP connection's reassembled, direction-split
// bytes into a Session, reporting each flush decision via onFlush.
// Implements reassembly.Stream.
type tcpStream struct {
	net, transport gopacket.Flow

	mu      sync.Mutex
	session *Session
	onFlush func(dir reassembly.TCPFlowDirection, res Result, n int)
}

// StreamFactory builds one tcpStream per TCP connection and reports
// every flush decision through onFlush. Implements reassembly.StreamFactory.
type StreamFactory struct {
	Metrics *Metrics
	OnFlush func(net, transport gopacket.Flow, dir reassembly.TCPFlowDirection, res Result, n int)
}

// New builds the Stream for one newly observed TCP connection.
func (f *StreamFactory) New(netFlow, transport gopacket.Flow, tcp *layers.TCP, ac reassembly.AssemblerContext) reassembly.Stream {
	t := &tcpStream{net: netFlow, transport: transport, session: NewSession()}
	t.session.SetMetrics(f.Metrics)

	t.onFlush = func(dir reassembly.TCPFlowDirection, res Result, n int) {
		if f.OnFlush != nil {
			f.OnFlush(netFlow, transport, dir, res, n)
		}
	}

	return t
}

// Accept lets every packet through; PAF has no TCP state-machine
// opinion of its own, that's the assembler's job.
func (t *tcpStream) Accept(tcp *layers.TCP, dir reassembly.TCPFlowDirection, nextSeq reassembly.Sequence) bool {
	return true
}

// ReassembledSG feeds one reassembled chunk to the matching direction's
// scanner and reports the flush decision.
func (t *tcpStream) ReassembledSG(sg reassembly.ScatterGather, ac reassembly.AssemblerContext) {
	length, _ := sg.Lengths()
	if length == 0 {
		return
	}

	dir, _, _, skip := sg.Info()
	if skip != 0 {
		return
	}

	data := sg.Fetch(length)

	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		res Result
		n   int
	)

	if dir == reassembly.TCPDirClientToServer {
		res, n = t.session.ScanClient(data)
	} else {
		res, n = t.session.ScanServer(data)
	}

	if t.onFlush != nil {
		t.onFlush(dir, res, n)
	}
}

// ReassemblyComplete has nothing left to flush; the session is dropped
// with the stream.
func (t *tcpStream) ReassemblyComplete(ac reassembly.AssemblerContext, firstFlow gopacket.Flow, reason string) bool {
	return true
}
