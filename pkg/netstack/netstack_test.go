package netstack_test

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/monasticacademy/tunsocks/pkg/netstack"
)

const mtu = 1500

var (
	netifAddr = netip.MustParseAddr("10.0.0.1")
	netifMask = netip.MustParseAddr("255.255.255.0")
	peerAddr  = netip.MustParseAddrPort("10.0.0.2:5555")
	destAddr  = netip.MustParseAddrPort("10.33.44.5:80") // not ours: pretend-TCP
)

type emitted struct {
	ipv4 *layers.IPv4
	tcp  *layers.TCP
}

type harness struct {
	t     *testing.T
	stack *netstack.Stack
	netif *netstack.Netif
	out   []emitted

	accepted []netstack.Conn

	// peer-side TCP state
	seq uint32
	ack uint32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, seq: 9000}

	h.stack = netstack.NewStack()
	h.stack.Init()

	netif, err := h.stack.NetifAdd("ho0", netifAddr, netifMask, mtu, func(p *netstack.Pbuf) {
		raw := make([]byte, p.TotLen())
		p.CopyPartial(raw, 0)
		pkt := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.Default)
		ipv4, ok1 := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		tcp, ok2 := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if !ok1 || !ok2 {
			t.Errorf("stack emitted a non-TCP packet")
			return
		}
		h.out = append(h.out, emitted{ipv4, tcp})
	})
	if err != nil {
		t.Fatal(err)
	}
	h.netif = netif
	h.netif.SetUp()
	h.netif.SetPretendTCP(true)

	listener, err := h.stack.NewListener(h.netif)
	if err != nil {
		t.Fatal(err)
	}
	listener.SetAccept(func(c netstack.Conn) netstack.Err {
		h.accepted = append(h.accepted, c)
		return netstack.ErrOK
	})
	return h
}

// inject builds a segment from the peer and feeds it to the stack.
func (h *harness) inject(syn, fin bool, payload []byte) {
	h.t.Helper()
	ipv4 := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    peerAddr.Addr().AsSlice(),
		DstIP:    destAddr.Addr().AsSlice(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(peerAddr.Port()),
		DstPort: layers.TCPPort(destAddr.Port()),
		Seq:     h.seq,
		Ack:     h.ack,
		SYN:     syn,
		FIN:     fin,
		ACK:     !syn,
		Window:  65000,
	}
	tcp.SetNetworkLayerForChecksum(ipv4)
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ipv4, tcp, gopacket.Payload(payload)); err != nil {
		h.t.Fatal(err)
	}
	raw := buf.Bytes()
	p := netstack.NewPbuf(len(raw))
	p.Take(raw)
	h.netif.Input(p)

	if syn || fin {
		h.seq++
	}
	h.seq += uint32(len(payload))
}

// handshake completes the three-way handshake and returns the accepted
// conn.
func (h *harness) handshake() netstack.Conn {
	h.t.Helper()
	h.inject(true, false, nil)
	if len(h.out) != 1 {
		h.t.Fatalf("expected SYN-ACK, have %d packets", len(h.out))
	}
	synAck := h.out[0].tcp
	if !synAck.SYN || !synAck.ACK {
		h.t.Fatalf("first reply not a SYN-ACK")
	}
	if synAck.Ack != h.seq {
		h.t.Fatalf("SYN-ACK acks %d, want %d", synAck.Ack, h.seq)
	}
	h.ack = synAck.Seq + 1
	h.inject(false, false, nil)
	if len(h.accepted) != 1 {
		h.t.Fatalf("accept callback ran %d times", len(h.accepted))
	}
	return h.accepted[0]
}

// ackUpTo acknowledges everything the stack has sent so far.
func (h *harness) ackUpTo(seq uint32) {
	h.ack = seq
	h.inject(false, false, nil)
}

// lastData returns the concatenated payloads emitted since index from.
func (h *harness) payloadSince(from int) []byte {
	var b []byte
	for _, e := range h.out[from:] {
		b = append(b, e.tcp.Payload...)
	}
	return b
}

func TestHandshakeAcceptsConnection(t *testing.T) {
	h := newHarness(t)
	conn := h.handshake()

	if conn.LocalAddr() != destAddr {
		t.Fatalf("local addr %v, want the intercepted destination %v", conn.LocalAddr(), destAddr)
	}
	if conn.RemoteAddr() != peerAddr {
		t.Fatalf("remote addr %v, want %v", conn.RemoteAddr(), peerAddr)
	}
	if h.stack.NumConns() != 1 {
		t.Fatalf("stack has %d conns", h.stack.NumConns())
	}
}

func TestDataDeliveryAndWindow(t *testing.T) {
	h := newHarness(t)
	conn := h.handshake()

	var got []byte
	conn.SetRecv(func(p *netstack.Pbuf, err netstack.Err) netstack.Err {
		if p == nil {
			return netstack.ErrOK
		}
		buf := make([]byte, p.TotLen())
		p.CopyPartial(buf, 0)
		got = append(got, buf...)
		p.Free()
		return netstack.ErrOK
	})

	before := len(h.out)
	h.inject(false, false, []byte("HELLO"))

	if string(got) != "HELLO" {
		t.Fatalf("delivered %q", got)
	}
	if len(h.out) <= before {
		t.Fatal("no ACK emitted for data")
	}
	ackSeg := h.out[len(h.out)-1].tcp
	if ackSeg.Ack != h.seq {
		t.Fatalf("ACK %d, want %d", ackSeg.Ack, h.seq)
	}
	// window shrank by the undelivered 5 bytes
	if int(ackSeg.Window) != netstack.TCPWnd-5 {
		t.Fatalf("advertised window %d, want %d", ackSeg.Window, netstack.TCPWnd-5)
	}

	// consuming the data reopens the window
	before = len(h.out)
	conn.Recved(5)
	if len(h.out) <= before {
		t.Fatal("no window update emitted")
	}
	upd := h.out[len(h.out)-1].tcp
	if int(upd.Window) != netstack.TCPWnd {
		t.Fatalf("window after Recved %d, want %d", upd.Window, netstack.TCPWnd)
	}
}

func TestWriteOutputAndSentCallback(t *testing.T) {
	h := newHarness(t)
	conn := h.handshake()

	var acked int
	conn.SetSent(func(n int) netstack.Err {
		acked += n
		return netstack.ErrOK
	})

	before := len(h.out)
	if err := conn.Write([]byte("WORLD\n")); err != netstack.ErrOK {
		t.Fatalf("Write: %v", err)
	}
	if err := conn.Output(); err != netstack.ErrOK {
		t.Fatalf("Output: %v", err)
	}

	sent := h.payloadSince(before)
	if !bytes.Equal(sent, []byte("WORLD\n")) {
		t.Fatalf("emitted %q", sent)
	}

	last := h.out[len(h.out)-1].tcp
	h.ackUpTo(last.Seq + uint32(len(last.Payload)))
	if acked != 6 {
		t.Fatalf("sent callback saw %d bytes, want 6", acked)
	}
}

func TestWriteErrMemWhenBufferFull(t *testing.T) {
	h := newHarness(t)
	conn := h.handshake()

	big := make([]byte, netstack.SndBufSize)
	if err := conn.Write(big); err != netstack.ErrOK {
		t.Fatalf("first write: %v", err)
	}
	if err := conn.Write([]byte{1}); err != netstack.ErrMem {
		t.Fatalf("overflow write: %v, want ErrMem", err)
	}
	if conn.SndBuf() != 0 {
		t.Fatalf("SndBuf %d, want 0", conn.SndBuf())
	}
}

func TestPeerFinDeliversNilPbuf(t *testing.T) {
	h := newHarness(t)
	conn := h.handshake()

	closed := false
	conn.SetRecv(func(p *netstack.Pbuf, err netstack.Err) netstack.Err {
		if p == nil {
			closed = true
		}
		return netstack.ErrOK
	})

	h.inject(false, true, nil)
	if !closed {
		t.Fatal("peer FIN not delivered")
	}
}

func TestCloseHandshakeRemovesConn(t *testing.T) {
	h := newHarness(t)
	conn := h.handshake()

	before := len(h.out)
	if err := conn.Close(); err != netstack.ErrOK {
		t.Fatalf("Close: %v", err)
	}
	fin := h.out[len(h.out)-1].tcp
	if !fin.FIN {
		t.Fatalf("no FIN emitted after Close (%d new packets)", len(h.out)-before)
	}

	// peer acks the FIN and sends its own
	h.ack = fin.Seq + 1
	h.inject(false, true, nil)

	if h.stack.NumConns() != 0 {
		t.Fatalf("stack still has %d conns", h.stack.NumConns())
	}
}

func TestPeerRstFiresErrCallback(t *testing.T) {
	h := newHarness(t)
	conn := h.handshake()

	var got netstack.Err = netstack.ErrOK
	conn.SetErr(func(err netstack.Err) {
		got = err
	})

	// a RST from the peer
	ipv4 := &layers.IPv4{
		Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: peerAddr.Addr().AsSlice(), DstIP: destAddr.Addr().AsSlice(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(peerAddr.Port()),
		DstPort: layers.TCPPort(destAddr.Port()),
		Seq:     h.seq, Ack: h.ack, RST: true, ACK: true,
	}
	tcp.SetNetworkLayerForChecksum(ipv4)
	buf := gopacket.NewSerializeBuffer()
	gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, ipv4, tcp)
	p := netstack.NewPbuf(len(buf.Bytes()))
	p.Take(buf.Bytes())
	h.netif.Input(p)

	if got != netstack.ErrRst {
		t.Fatalf("err callback got %v, want ErrRst", got)
	}
	if h.stack.NumConns() != 0 {
		t.Fatal("conn not removed after RST")
	}
}

func TestAbortEmitsRst(t *testing.T) {
	h := newHarness(t)
	conn := h.handshake()

	conn.Abort()
	last := h.out[len(h.out)-1].tcp
	if !last.RST {
		t.Fatal("Abort did not emit a RST")
	}
	if h.stack.NumConns() != 0 {
		t.Fatal("conn not removed after Abort")
	}
}

func TestRetransmitOnTimer(t *testing.T) {
	h := newHarness(t)
	conn := h.handshake()

	conn.Write([]byte("again"))
	conn.Output()
	before := len(h.out)

	// no ACK from the peer; enough ticks must trigger a retransmission
	for i := 0; i < 8; i++ {
		h.stack.Timer()
	}
	retrans := h.payloadSince(before)
	if !bytes.Contains(retrans, []byte("again")) {
		t.Fatal("no retransmission after timer ticks")
	}
}

func TestPbufChainOperations(t *testing.T) {
	p := netstack.NewPbufChain([]byte("abc"), []byte("defg"), []byte("h"))
	if p.TotLen() != 8 {
		t.Fatalf("TotLen %d", p.TotLen())
	}
	dst := make([]byte, 8)
	if n := p.CopyPartial(dst, 0); n != 8 || string(dst) != "abcdefgh" {
		t.Fatalf("CopyPartial full = %q (%d)", dst[:n], n)
	}
	mid := make([]byte, 4)
	if n := p.CopyPartial(mid, 2); n != 4 || string(mid) != "cdef" {
		t.Fatalf("CopyPartial offset = %q (%d)", mid[:n], n)
	}
}
