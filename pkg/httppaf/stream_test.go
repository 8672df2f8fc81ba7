package httppaf

import (
	"testing"

	"github.com/dreadl0ck/gopacket"
	"github.com/dreadl0ck/gopacket/layers"
	"github.com/dreadl0ck/netcap/reassembly"
)

// fakeScatterGather is a minimal reassembly.ScatterGather backed by a
// single contiguous buffer, enough to drive tcpStream.ReassembledSG in
// tests without a real Assembler.
type fakeScatterGather struct {
	data []byte
	dir  reassembly.TCPFlowDirection
}

func (f *fakeScatterGather) Lengths() (int, int)                         { return len(f.data), 0 }
func (f *fakeScatterGather) Fetch(l int) []byte                          { return f.data[:l] }
func (f *fakeScatterGather) KeepFrom(offset int)                         {}
func (f *fakeScatterGather) CaptureInfo(offset int) gopacket.CaptureInfo { return gopacket.CaptureInfo{} }
func (f *fakeScatterGather) Stats() reassembly.AssemblerStats            { return reassembly.AssemblerStats{} }
func (f *fakeScatterGather) Info() (dir reassembly.TCPFlowDirection, start bool, end bool, skip int) {
	return f.dir, false, false, 0
}

type fakeAssemblerContext struct{}

func (fakeAssemblerContext) GetCaptureInfo() gopacket.CaptureInfo { return gopacket.CaptureInfo{} }

func TestStreamFactoryDrivesSessionFromReassembledChunks(t *testing.T) {
	var got []struct {
		dir reassembly.TCPFlowDirection
		res Result
		n   int
	}

	f := &StreamFactory{
		OnFlush: func(net, transport gopacket.Flow, dir reassembly.TCPFlowDirection, res Result, n int) {
			got = append(got, struct {
				dir reassembly.TCPFlowDirection
				res Result
				n   int
			}{dir, res, n})
		},
	}

	s := f.New(gopacket.Flow{}, gopacket.Flow{}, &layers.TCP{}, fakeAssemblerContext{})

	s.ReassembledSG(&fakeScatterGather{data: []byte("GET /\r\n"), dir: reassembly.TCPDirClientToServer}, fakeAssemblerContext{})

	if len(got) != 1 {
		t.Fatalf("flush events = %d, want 1", len(got))
	}

	if got[0].res != ResultFlush || got[0].dir != reassembly.TCPDirClientToServer {
		t.Fatalf("unexpected flush event: %+v", got[0])
	}
}

func TestDefragmenterPassesThroughUnfragmentedPacket(t *testing.T) {
	d := NewDefragmenter()

	ip4 := &layers.IPv4{
		Version:    4,
		IHL:        5,
		Length:     20,
		Flags:      0, // no more fragments, offset 0: not fragmented
		FragOffset: 0,
		TTL:        64,
		Protocol:   layers.IPProtocolTCP,
	}

	out, err := d.Defrag(ip4)
	if err != nil {
		t.Fatalf("Defrag error: %v", err)
	}

	if out != ip4 {
		t.Fatalf("unfragmented packet should pass straight through unchanged")
	}
}
