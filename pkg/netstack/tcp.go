package netstack

import (
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/monasticacademy/tunsocks/pkg/blog"
)

const ttl = 64

// timer ticks (of TimerIntervalMs) between retransmissions, and the retry
// budget before the connection is declared dead
const (
	rtxTickThreshold = 4
	rtxMaxRetries    = 8
	synMaxRetries    = 10
)

// Conn is the per-connection control block as seen by the application: the
// recv/sent/err callbacks, explicit window growth, a bounded write buffer.
// A callback that aborts the pcb must return ErrAbrt so the stack stops
// touching it.
type Conn interface {
	SetRecv(cb func(p *Pbuf, err Err) Err)
	SetSent(cb func(n int) Err)
	SetErr(cb func(err Err))
	LocalAddr() netip.AddrPort
	RemoteAddr() netip.AddrPort
	Write(data []byte) Err
	Output() Err
	Recved(n int)
	SndBuf() int
	Close() Err
	Abort()
}

type tcpState int

const (
	stateSynRcvd tcpState = iota
	stateEstablished
	stateClosed
)

// TCPConn implements Conn over the wire.
type TCPConn struct {
	stack *Stack
	key   connKey
	state tcpState

	// receive direction
	rcvNxt uint32
	rcvWnd int

	// send direction; sndUna is the sequence number of sndBuf[0], txNext
	// the offset of the first untransmitted byte
	iss     uint32
	sndUna  uint32
	sndBuf  []byte
	txNext  int
	peerWnd int

	finQueued bool
	finSent   bool
	finAcked  bool
	finRcvd   bool

	recvCb func(p *Pbuf, err Err) Err
	sentCb func(n int) Err
	errCb  func(err Err)

	rtxTicks int
	rtxCount int
	synCount int
	accepted bool
}

func newTCPConn(s *Stack, key connKey, peerSeq uint32) *TCPConn {
	c := &TCPConn{
		stack:   s,
		key:     key,
		state:   stateSynRcvd,
		rcvNxt:  peerSeq + 1,
		rcvWnd:  TCPWnd,
		iss:     s.iss,
		peerWnd: 0,
	}
	c.sndUna = c.iss
	s.iss += 64 * 1024
	return c
}

func (c *TCPConn) SetRecv(cb func(p *Pbuf, err Err) Err) { c.recvCb = cb }
func (c *TCPConn) SetSent(cb func(n int) Err)            { c.sentCb = cb }
func (c *TCPConn) SetErr(cb func(err Err))               { c.errCb = cb }

func (c *TCPConn) LocalAddr() netip.AddrPort  { return c.key.local }
func (c *TCPConn) RemoteAddr() netip.AddrPort { return c.key.remote }

// SndBuf reports how many bytes Write currently accepts.
func (c *TCPConn) SndBuf() int {
	if c.state != stateEstablished || c.finQueued {
		return 0
	}
	return SndBufSize - len(c.sndBuf)
}

// Write copies data into the send buffer. ErrMem means full: retry after
// the next sent callback.
func (c *TCPConn) Write(data []byte) Err {
	if c.state != stateEstablished || c.finQueued {
		return ErrClsd
	}
	if len(data) > SndBufSize-len(c.sndBuf) {
		return ErrMem
	}
	c.sndBuf = append(c.sndBuf, data...)
	return ErrOK
}

// Output transmits whatever the peer's window allows.
func (c *TCPConn) Output() Err {
	if c.state == stateClosed {
		return ErrClsd
	}
	c.transmit()
	return ErrOK
}

// Recved grows the advertised receive window by n, acknowledging that the
// application consumed that much delivered data.
func (c *TCPConn) Recved(n int) {
	if c.state == stateClosed || n <= 0 {
		return
	}
	c.rcvWnd += n
	if c.rcvWnd > TCPWnd {
		c.rcvWnd = TCPWnd
	}
	// window update
	c.sendAck()
}

// Close queues a FIN behind any buffered data. The pcb lives until the
// close handshake finishes, or until retransmission of unacknowledged data
// or FIN gives up; once our FIN is acknowledged it waits for the peer's FIN
// with no timeout.
func (c *TCPConn) Close() Err {
	if c.state == stateClosed {
		return ErrClsd
	}
	c.finQueued = true
	c.transmit()
	return ErrOK
}

// Abort sends a RST and frees the pcb immediately. No callbacks fire
// afterwards; the caller propagates ErrAbrt if it is inside one.
func (c *TCPConn) Abort() {
	if c.state == stateClosed {
		return
	}
	c.emitSeg(c.sndNxt(), false, false, true, nil)
	c.stack.remove(c)
}

func (c *TCPConn) sndNxt() uint32 {
	n := c.sndUna + uint32(c.txNext)
	if c.finSent {
		n++
	}
	return n
}

func (c *TCPConn) mss() int {
	return c.stack.netif.mtu - 40
}

func (s *Stack) remove(c *TCPConn) {
	c.state = stateClosed
	if s.conns[c.key] == c {
		delete(s.conns, c.key)
	}
}

func (c *TCPConn) sendSynAck() {
	c.emitSeg(c.iss, true, false, false, nil)
}

func (c *TCPConn) sendAck() {
	c.emitSeg(c.sndNxt(), false, false, false, nil)
}

func (c *TCPConn) transmit() {
	for {
		avail := len(c.sndBuf) - c.txNext
		wnd := c.peerWnd - c.txNext
		if avail == 0 || wnd <= 0 {
			break
		}
		n := avail
		if n > c.mss() {
			n = c.mss()
		}
		if n > wnd {
			n = wnd
		}
		seq := c.sndUna + uint32(c.txNext)
		c.emitSeg(seq, false, false, false, c.sndBuf[c.txNext:c.txNext+n])
		c.txNext += n
	}
	if c.finQueued && !c.finSent && c.txNext == len(c.sndBuf) {
		c.emitSeg(c.sndUna+uint32(c.txNext), false, true, false, nil)
		c.finSent = true
	}
}

func (c *TCPConn) handleSegment(tcp *layers.TCP) {
	if c.state == stateClosed {
		return
	}
	if tcp.RST {
		accepted := c.accepted
		cb := c.errCb
		c.stack.remove(c)
		if accepted && cb != nil {
			cb(ErrRst)
		}
		return
	}
	if tcp.SYN {
		// retransmitted SYN
		if c.state == stateSynRcvd {
			c.sendSynAck()
		}
		return
	}
	if !tcp.ACK {
		return
	}

	if c.state == stateSynRcvd {
		if tcp.Ack != c.iss+1 {
			return
		}
		c.state = stateEstablished
		c.sndUna = c.iss + 1
		c.peerWnd = int(tcp.Window)
		l := c.stack.listener
		if l == nil || l.acceptCb == nil {
			blog.Debugf("netstack: established with no acceptor")
			c.Abort()
			return
		}
		ret := l.acceptCb(c)
		if ret == ErrAbrt {
			return
		}
		if ret != ErrOK {
			c.Abort()
			return
		}
		c.accepted = true
	}

	// acknowledgement bookkeeping
	c.peerWnd = int(tcp.Window)
	acked := int(int32(tcp.Ack - c.sndUna))
	if acked > 0 {
		finBit := 0
		if c.finSent && tcp.Ack == c.sndUna+uint32(c.txNext)+1 {
			finBit = 1
			c.finAcked = true
		}
		dataAcked := acked - finBit
		if dataAcked > c.txNext {
			dataAcked = c.txNext
		}
		if dataAcked > 0 {
			c.sndBuf = append(c.sndBuf[:0], c.sndBuf[dataAcked:]...)
			c.txNext -= dataAcked
			c.sndUna += uint32(dataAcked)
			c.rtxTicks = 0
			c.rtxCount = 0
			if c.sentCb != nil {
				if c.sentCb(dataAcked) == ErrAbrt {
					return
				}
			}
			if c.state == stateClosed {
				return
			}
			// the window may have opened
			c.transmit()
		}
	}

	// data
	payload := tcp.Payload
	if len(payload) > 0 {
		if tcp.Seq == c.rcvNxt && len(payload) <= c.rcvWnd && !c.finRcvd {
			c.rcvNxt += uint32(len(payload))
			c.rcvWnd -= len(payload)
			c.sendAck()
			if c.recvCb != nil {
				p := NewPbuf(len(payload))
				p.Take(payload)
				ret := c.recvCb(p, ErrOK)
				if ret == ErrAbrt || c.state == stateClosed {
					return
				}
				if ret != ErrOK {
					// the application refused delivered data; nothing
					// sane can follow
					c.Abort()
					return
				}
			} else {
				c.rcvWnd += len(payload)
			}
		} else {
			// out of order, window overflow or data after FIN
			c.sendAck()
		}
	}

	// FIN
	finSeq := tcp.Seq + uint32(len(payload))
	if tcp.FIN && !c.finRcvd && finSeq == c.rcvNxt {
		c.finRcvd = true
		c.rcvNxt++
		c.sendAck()
		if c.recvCb != nil {
			if c.recvCb(nil, ErrOK) == ErrAbrt {
				return
			}
		}
	}

	if c.state != stateClosed && c.finSent && c.finAcked && c.finRcvd {
		c.stack.remove(c)
	}
}

func (c *TCPConn) timerTick() {
	switch c.state {
	case stateSynRcvd:
		c.synCount++
		if c.synCount > synMaxRetries {
			c.stack.remove(c)
			return
		}
		c.sendSynAck()
	case stateEstablished:
		if c.txNext == 0 && !(c.finSent && !c.finAcked) {
			return
		}
		c.rtxTicks++
		if c.rtxTicks < rtxTickThreshold {
			return
		}
		c.rtxTicks = 0
		c.rtxCount++
		if c.rtxCount > rtxMaxRetries {
			accepted := c.accepted
			cb := c.errCb
			c.stack.remove(c)
			if accepted && cb != nil {
				cb(ErrTimeout)
			}
			return
		}
		if c.txNext > 0 {
			n := c.txNext
			if n > c.mss() {
				n = c.mss()
			}
			c.emitSeg(c.sndUna, false, false, false, c.sndBuf[:n])
		} else {
			// lone FIN outstanding
			c.emitSeg(c.sndUna+uint32(c.txNext), false, true, false, nil)
		}
	}
}

// emitSeg serializes and transmits one segment; ACK is always set.
func (c *TCPConn) emitSeg(seq uint32, syn, fin, rst bool, payload []byte) {
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(c.key.local.Port()),
		DstPort: layers.TCPPort(c.key.remote.Port()),
		Seq:     seq,
		Ack:     c.rcvNxt,
		SYN:     syn,
		FIN:     fin,
		RST:     rst,
		ACK:     true,
		Window:  uint16(c.rcvWnd),
	}
	c.stack.emitTCPv4(c.key.local.Addr(), c.key.remote.Addr(), tcp, payload)
}

// sendRst answers a segment that matches no connection.
func (s *Stack) sendRst(key connKey, ack uint32) {
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(key.local.Port()),
		DstPort: layers.TCPPort(key.remote.Port()),
		Seq:     ack,
		RST:     true,
		ACK:     true,
	}
	s.emitTCPv4(key.local.Addr(), key.remote.Addr(), tcp, nil)
}

func (s *Stack) emitTCPv4(src, dst netip.Addr, tcp *layers.TCP, payload []byte) {
	if s.netif == nil || s.netif.output == nil {
		return
	}
	ipv4 := &layers.IPv4{
		Version:  4,
		TTL:      ttl,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    src.Unmap().AsSlice(),
		DstIP:    dst.Unmap().AsSlice(),
	}
	tcp.SetNetworkLayerForChecksum(ipv4)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	err := gopacket.SerializeLayers(buf, opts, ipv4, tcp, gopacket.Payload(payload))
	if err != nil {
		blog.Errorf("netstack: error serializing segment: %v", err)
		return
	}
	raw := buf.Bytes()
	p := NewPbuf(len(raw))
	p.Take(raw)
	s.netif.output(p)
}

func parseTCPv4(pkt []byte) (*layers.IPv4, *layers.TCP, bool) {
	packet := gopacket.NewPacket(pkt, layers.LayerTypeIPv4, gopacket.NoCopy)
	ipv4, ok := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return nil, nil, false
	}
	tcp, ok := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		return nil, nil, false
	}
	return ipv4, tcp, true
}

func addrPortFrom(ip net.IP, port uint16) (netip.AddrPort, bool) {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(a.Unmap(), port), true
}
