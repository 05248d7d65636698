// Package netstack is a userspace IPv4 TCP implementation behind the
// pcb-and-pbuf contract the tunnel engine consumes: a netif fed whole IP
// packets, per-connection control blocks with recv/sent/err callbacks, a
// receive window grown explicitly by the application, and a periodic timer
// tick driving retransmission. Packets are parsed and built with gopacket.
//
// Everything runs on the reactor thread; the stack is not reentrant and
// never spawns goroutines.
package netstack

import (
	"fmt"
	"net/netip"

	"github.com/monasticacademy/tunsocks/pkg/blog"
)

// TCPWnd is the receive window offered to peers, and therefore the bound
// on data buffered per connection between the stack and the application.
const TCPWnd = 65535

// SndBufSize bounds the bytes a pcb will accept via Write before
// reporting ErrMem.
const SndBufSize = 8192

// TimerIntervalMs is how often Timer must be called, in milliseconds.
const TimerIntervalMs = 250

type connKey struct {
	local  netip.AddrPort // the address the peer was connecting to
	remote netip.AddrPort // the peer
}

// Stack is the stack singleton: one netif, one catch-all listener, a
// connection table.
type Stack struct {
	initialized bool
	netif       *Netif
	listener    *TCPListener
	conns       map[connKey]*TCPConn
	iss         uint32
}

// NewStack creates an uninitialized stack.
func NewStack() *Stack {
	return &Stack{conns: make(map[connKey]*TCPConn)}
}

// Init performs one-time setup. Must be called before anything else.
func (s *Stack) Init() {
	s.initialized = true
	s.iss = 0x1000
}

// Netif is the single network interface: an entry point for incoming
// packets and an output hook for outgoing ones.
type Netif struct {
	stack      *Stack
	name       string
	addr       netip.Addr
	netmask    netip.Addr
	mtu        int
	output     func(p *Pbuf)
	up         bool
	pretendTCP bool
}

// NetifAdd installs the interface. output is invoked, possibly from within
// stack processing, with each packet to transmit.
func (s *Stack) NetifAdd(name string, addr, netmask netip.Addr, mtu int, output func(p *Pbuf)) (*Netif, error) {
	if !s.initialized {
		return nil, fmt.Errorf("stack not initialized")
	}
	if s.netif != nil {
		return nil, fmt.Errorf("netif already installed")
	}
	if !addr.Is4() {
		return nil, fmt.Errorf("netif address must be IPv4")
	}
	n := &Netif{stack: s, name: name, addr: addr, netmask: netmask, mtu: mtu, output: output}
	s.netif = n
	return n, nil
}

// SetUp enables the interface.
func (n *Netif) SetUp() {
	n.up = true
}

// SetPretendTCP makes the interface accept TCP packets regardless of
// their destination address, which is what lets a catch-all listener
// intercept connections to arbitrary hosts.
func (n *Netif) SetPretendTCP(v bool) {
	n.pretendTCP = v
}

// Name reports the interface name.
func (n *Netif) Name() string {
	return n.name
}

// Remove uninstalls the interface.
func (n *Netif) Remove() {
	if n.stack.netif == n {
		n.stack.netif = nil
	}
}

// Input feeds one IP packet into the stack. The pbuf is owned by the
// stack from here on.
func (n *Netif) Input(p *Pbuf) Err {
	if !n.up {
		p.Free()
		return ErrClsd
	}
	buf := make([]byte, p.TotLen())
	p.CopyPartial(buf, 0)
	p.Free()
	n.stack.handlePacket(n, buf)
	return ErrOK
}

// TCPListener is the catch-all listening pcb.
type TCPListener struct {
	stack    *Stack
	netif    *Netif
	acceptCb func(Conn) Err
	pending  int
	closed   bool
}

// NewListener creates a listener bound to the interface: with pretend-TCP
// set on the netif it sees every intercepted connection.
func (s *Stack) NewListener(n *Netif) (*TCPListener, error) {
	if s.listener != nil && !s.listener.closed {
		return nil, fmt.Errorf("listener already present")
	}
	l := &TCPListener{stack: s, netif: n}
	s.listener = l
	return l, nil
}

// SetAccept installs the accept callback, invoked with each established
// connection. Returning ErrAbrt signals the pcb was aborted inside the
// callback; returning any other non-OK refuses the connection.
func (l *TCPListener) SetAccept(cb func(Conn) Err) {
	l.acceptCb = cb
}

// Accepted acknowledges one accepted connection, the listener's backlog
// bookkeeping.
func (l *TCPListener) Accepted() {
	if l.pending > 0 {
		l.pending--
	}
}

// Close shuts the listener down.
func (l *TCPListener) Close() {
	l.closed = true
	if l.stack.listener == l {
		l.stack.listener = nil
	}
}

// Timer drives retransmission and connection timeouts; call it every
// TimerIntervalMs milliseconds.
func (s *Stack) Timer() {
	// collect first: a callback may mutate the table
	conns := make([]*TCPConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	for _, c := range conns {
		if s.conns[c.key] == c {
			c.timerTick()
		}
	}
}

// NumConns reports the number of live connections, for diagnostics.
func (s *Stack) NumConns() int {
	return len(s.conns)
}

func (s *Stack) handlePacket(n *Netif, pkt []byte) {
	ipv4, tcp, ok := parseTCPv4(pkt)
	if !ok {
		return
	}
	if !n.pretendTCP && ipv4.DstIP.String() != n.addr.String() {
		return
	}

	local, ok1 := addrPortFrom(ipv4.DstIP, uint16(tcp.DstPort))
	remote, ok2 := addrPortFrom(ipv4.SrcIP, uint16(tcp.SrcPort))
	if !ok1 || !ok2 {
		return
	}
	key := connKey{local: local, remote: remote}

	if c, ok := s.conns[key]; ok {
		c.handleSegment(tcp)
		return
	}

	// no connection: a SYN meets the listener, everything else is dropped
	// (RST for non-RST segments, so stray peers do not linger)
	if tcp.SYN && !tcp.ACK {
		if s.listener == nil || s.listener.closed {
			blog.Debugf("netstack: SYN with no listener")
			return
		}
		c := newTCPConn(s, key, tcp.Seq)
		s.conns[key] = c
		s.listener.pending++
		c.sendSynAck()
		return
	}
	if !tcp.RST {
		s.sendRst(key, tcp.Ack)
	}
}
