// Package tun2socks bridges TCP connections intercepted on a TUN device to
// a SOCKS5 server: packets from the device feed a userspace TCP stack
// whose catch-all listener terminates every connection locally, and each
// accepted connection is proxied byte-for-byte through its own SOCKS
// tunnel.
package tun2socks

import (
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/monasticacademy/tunsocks/pkg/blog"
	"github.com/monasticacademy/tunsocks/pkg/flow"
	"github.com/monasticacademy/tunsocks/pkg/netstack"
	"github.com/monasticacademy/tunsocks/pkg/reactor"
)

// WriteBufPackets is the capacity, in packets, of the buffer between the
// stack's output and the device.
const WriteBufPackets = 32

// RecvBufSize is the per-client buffer for bytes on their way from the
// SOCKS server into the stack.
const RecvBufSize = 8192

// Config carries everything the engine needs at startup.
type Config struct {
	Reactor *reactor.Reactor

	// DeviceInput accepts packets to transmit on the TUN device;
	// DeviceOutput produces packets read from it.
	DeviceInput  *flow.PacketPassInterface
	DeviceOutput *flow.PacketRecvInterface
	MTU          int

	NetifAddr    netip.Addr
	NetifNetmask netip.Addr
	SocksServer  netip.AddrPort

	// OverrideDest, when set, replaces the intercepted destination in
	// SOCKS requests. A test hook.
	OverrideDest *netip.AddrPort
}

// Stats are engine counters, updated on the reactor thread and readable
// from anywhere (the metrics endpoint serves HTTP on its own goroutine).
type Stats struct {
	ClientsActive  atomic.Int64
	AcceptedTotal  atomic.Int64
	BytesToSocks   atomic.Int64
	BytesFromSocks atomic.Int64
}

// Engine owns the stack, the device pipelines and the client table.
type Engine struct {
	r   *reactor.Reactor
	cfg Config

	stack    *netstack.Stack
	netif    *netstack.Netif
	listener *netstack.TCPListener

	readIface  *flow.PacketPassInterface
	readBuffer *flow.SinglePacketBuffer

	writer      *flow.BufferWriter
	writeBuffer *flow.PacketBuffer

	initJob  *reactor.Job
	tcpTimer *reactor.Timer

	clients  map[*client]struct{}
	stats    Stats
	dropWarn *rate.Limiter
	quitting bool
}

// New wires the engine. The stack itself initializes on the first reactor
// iteration, from a job, so it sees a running loop.
func New(cfg Config) (*Engine, error) {
	if cfg.MTU <= 40 {
		return nil, fmt.Errorf("mtu %d too small", cfg.MTU)
	}
	e := &Engine{
		r:        cfg.Reactor,
		cfg:      cfg,
		stack:    netstack.NewStack(),
		clients:  make(map[*client]struct{}),
		dropWarn: rate.NewLimiter(rate.Every(time.Second), 2),
	}

	// device reading: one packet at a time, straight into the stack
	e.readIface = flow.NewPacketPass(e.r, cfg.MTU, e.deviceReadSend)
	e.readBuffer = flow.NewSinglePacketBuffer(cfg.DeviceOutput, e.readIface)

	// stack initialization must happen from a job
	e.initJob = reactor.NewJob(e.stackInit)
	e.r.Schedule(e.initJob)

	// device writing: stack output -> writer -> buffer -> device
	e.writer = flow.NewBufferWriter(e.r, cfg.MTU)
	e.writeBuffer = flow.NewPacketBuffer(e.writer.Output(), cfg.DeviceInput, WriteBufPackets)

	// TCP timer; it cannot fire before the init job has run
	e.tcpTimer = reactor.NewTimer(e.tcpTimerHandler)
	e.r.SetTimer(e.tcpTimer, netstack.TimerIntervalMs*time.Millisecond)

	return e, nil
}

// Stats exposes the engine counters.
func (e *Engine) Stats() *Stats {
	return &e.stats
}

// NumClients reports the current client count.
func (e *Engine) NumClients() int {
	return len(e.clients)
}

// Terminate begins shutdown: stops the timer and makes the reactor exit
// with code 0. Call from a reactor callback (typically the signal
// handler).
func (e *Engine) Terminate() {
	if e.quitting {
		return
	}
	blog.Noticef("tearing down")
	e.quitting = true
	e.r.RemoveTimer(e.tcpTimer)
	e.r.Cancel(e.initJob)
	e.r.Quit(0)
}

// Shutdown destroys every remaining client and the stack attachments.
// Call after Run has returned.
func (e *Engine) Shutdown() {
	for c := range e.clients {
		c.log(blog.LevelInfo, "killing")
		c.murder()
	}
	if e.listener != nil {
		e.listener.Close()
		e.listener = nil
	}
	if e.netif != nil {
		e.netif.Remove()
		e.netif = nil
	}
}

func (e *Engine) stackInit() {
	blog.Debugf("stack init")

	e.stack.Init()

	netif, err := e.stack.NetifAdd("ho0", e.cfg.NetifAddr, e.cfg.NetifNetmask, e.cfg.MTU, e.netifOutput)
	if err != nil {
		blog.Errorf("stack init: netif: %v", err)
		e.Terminate()
		return
	}
	e.netif = netif
	e.netif.SetUp()
	e.netif.SetPretendTCP(true)

	listener, err := e.stack.NewListener(e.netif)
	if err != nil {
		blog.Errorf("stack init: listener: %v", err)
		e.Terminate()
		return
	}
	e.listener = listener
	e.listener.SetAccept(e.listenerAccept)
}

func (e *Engine) tcpTimerHandler() {
	blog.Debugf("TCP timer")
	e.r.SetTimer(e.tcpTimer, netstack.TimerIntervalMs*time.Millisecond)
	e.stack.Timer()
}

// deviceReadSend receives one packet from the TUN device. It acknowledges
// immediately so the read path keeps running, then hands the stack a copy.
func (e *Engine) deviceReadSend(data []byte) {
	blog.Debugf("device: received packet")

	e.readIface.Done()

	if e.netif == nil || e.quitting {
		return
	}
	p := netstack.NewPbuf(len(data))
	p.Take(data)
	if err := e.netif.Input(p); err != netstack.ErrOK {
		blog.Warningf("device read: input failed (%v)", err)
	}
}

// netifOutput is called from inside stack processing with each packet to
// transmit. If the write buffer has no slot the packet is dropped; TCP
// retransmits. The commit is bracketed with a synchronize barrier so the
// buffer's deferred submit has run before control returns to the stack.
func (e *Engine) netifOutput(p *netstack.Pbuf) {
	blog.Debugf("device write: send packet")

	if e.quitting {
		return
	}

	out := e.writer.StartPacket()
	if out == nil {
		if e.dropWarn.Allow() {
			blog.Warningf("device write: buffer full, dropping packet")
		}
		return
	}

	length := 0
	for seg := p; seg != nil; seg = seg.Next() {
		payload := seg.Payload()
		if len(payload) > len(out)-length {
			if e.dropWarn.Allow() {
				blog.Warningf("device write: packet longer than mtu, truncating")
			}
			break
		}
		copy(out[length:], payload)
		length += len(payload)
	}

	e.sync(func() {
		e.writer.EndPacket(length)
	})
}

// sync runs fn and then drains the reactor jobs it scheduled, so that by
// the time sync returns the pipeline has absorbed fn's effects. It is the
// one place control leaves stack code without returning to it.
func (e *Engine) sync(fn func()) {
	fn()
	marker := reactor.NewJob(func() {})
	e.r.Schedule(marker)
	e.r.Synchronize(marker)
	e.r.Cancel(marker)
}
