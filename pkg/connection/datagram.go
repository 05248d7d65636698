package connection

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/monasticacademy/tunsocks/pkg/flow"
	"github.com/monasticacademy/tunsocks/pkg/reactor"
)

// Datagram is a non-blocking datagram socket exposed as a PacketPass send
// side and a PacketRecv receive side.
type Datagram struct {
	r       *reactor.Reactor
	fd      int
	handler func(Event)

	sendAddr    unix.Sockaddr
	sendIface   *flow.PacketPassInterface
	sendData    []byte
	sendPending bool
	sendOps     int

	recvIface   *flow.PacketRecvInterface
	recvBuf     []byte
	recvPending bool
	recvOps     int

	wantEvents reactor.FdEvents
	limitJob   *reactor.Job
	dead       bool
}

// NewDatagram creates a datagram socket bound to bindAddr (which may hold
// a zero port for an ephemeral one).
func NewDatagram(r *reactor.Reactor, bindAddr netip.AddrPort, handler func(Event)) (*Datagram, error) {
	fd, err := newSocket(familyForAddr(bindAddr.Addr()), unix.SOCK_DGRAM)
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(fd, sockaddrFromAddrPort(bindAddr)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("error binding %v: %w", bindAddr, err)
	}
	d := &Datagram{r: r, fd: fd, handler: handler}
	d.limitJob = reactor.NewJob(d.limitJobHandler)
	if err := r.AddFd(fd, 0, d.fdHandler); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return d, nil
}

// Free detaches and closes the socket.
func (d *Datagram) Free() {
	d.dead = true
	d.r.Cancel(d.limitJob)
	d.r.RemoveFd(d.fd)
	unix.Close(d.fd)
}

// Addr reports the bound address.
func (d *Datagram) Addr() (netip.AddrPort, error) {
	sa, err := unix.Getsockname(d.fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return addrPortFromSockaddr(sa), nil
}

// SetSendAddr sets the destination for subsequent sends.
func (d *Datagram) SetSendAddr(addr netip.AddrPort) {
	d.sendAddr = sockaddrFromAddrPort(addr)
}

// SendIface attaches (on first call) the send interface with the given mtu.
func (d *Datagram) SendIface(mtu int) *flow.PacketPassInterface {
	if d.sendIface == nil {
		d.sendIface = flow.NewPacketPass(d.r, mtu, d.handlerSend)
	}
	return d.sendIface
}

// RecvIface attaches (on first call) the recv interface with the given mtu.
func (d *Datagram) RecvIface(mtu int) *flow.PacketRecvInterface {
	if d.recvIface == nil {
		d.recvIface = flow.NewPacketRecv(d.r, mtu, d.handlerRecv)
	}
	return d.recvIface
}

func (d *Datagram) handlerSend(data []byte) {
	d.sendData = data
	d.sendPending = true
	d.trySend()
}

func (d *Datagram) handlerRecv(buf []byte) {
	d.recvBuf = buf
	d.recvPending = true
	d.tryRecv()
}

func (d *Datagram) trySend() {
	if d.dead {
		return
	}
	if d.sendOps >= dispatchOpLimit {
		d.r.Schedule(d.limitJob)
		return
	}
	d.sendOps++
	d.r.Schedule(d.limitJob)

	err := unix.Sendto(d.fd, d.sendData, 0, d.sendAddr)
	if err == unix.EAGAIN || err == unix.EINTR {
		d.setEvents(d.wantEvents | reactor.Write)
		return
	}
	if err != nil {
		d.report(EventError)
		return
	}
	d.sendPending = false
	d.sendData = nil
	d.sendIface.Done()
}

func (d *Datagram) tryRecv() {
	if d.dead {
		return
	}
	if d.recvOps >= dispatchOpLimit {
		d.r.Schedule(d.limitJob)
		return
	}
	d.recvOps++
	d.r.Schedule(d.limitJob)

	n, _, err := unix.Recvfrom(d.fd, d.recvBuf, 0)
	if err == unix.EAGAIN || err == unix.EINTR {
		d.setEvents(d.wantEvents | reactor.Read)
		return
	}
	if err != nil {
		d.report(EventError)
		return
	}
	d.recvPending = false
	d.recvBuf = nil
	d.recvIface.Done(n)
}

func (d *Datagram) fdHandler(ready reactor.FdEvents) {
	if ready&reactor.Error != 0 {
		d.report(EventError)
		return
	}
	if ready&reactor.Write != 0 {
		d.setEvents(d.wantEvents &^ reactor.Write)
		if d.sendPending {
			d.trySend()
		}
	}
	if d.dead {
		return
	}
	if ready&reactor.Read != 0 {
		d.setEvents(d.wantEvents &^ reactor.Read)
		if d.recvPending {
			d.tryRecv()
		}
	}
}

func (d *Datagram) limitJobHandler() {
	sendDeferred := d.sendPending && d.sendOps >= dispatchOpLimit
	recvDeferred := d.recvPending && d.recvOps >= dispatchOpLimit
	d.sendOps = 0
	d.recvOps = 0
	if sendDeferred {
		d.trySend()
	}
	if d.dead {
		return
	}
	if recvDeferred {
		d.tryRecv()
	}
}

func (d *Datagram) setEvents(events reactor.FdEvents) {
	if d.wantEvents == events {
		return
	}
	d.wantEvents = events
	d.r.SetFdEvents(d.fd, events)
}

func (d *Datagram) report(ev Event) {
	if d.dead {
		return
	}
	d.dead = true
	d.handler(ev)
}
