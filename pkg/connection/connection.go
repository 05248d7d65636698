// Package connection provides non-blocking stream and datagram sockets
// driven by the reactor and exposed through the flow interfaces. All
// completion is delivered via reactor jobs; a single descriptor can never
// monopolize the loop because each direction performs at most a fixed
// number of operations per dispatch before deferring.
package connection

import (
	"fmt"
	"net"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"

	"github.com/monasticacademy/tunsocks/pkg/flow"
	"github.com/monasticacademy/tunsocks/pkg/reactor"
)

// Event is a connection-level condition reported to the owner.
type Event int

const (
	// EventError is fatal; the owner must free the connection.
	EventError Event = iota
	// EventRecvClosed means the peer half-closed: the receive side will
	// produce no more bytes, the send side remains usable.
	EventRecvClosed
)

// operations allowed per direction per dispatch before deferring to a job
const dispatchOpLimit = 2

// Connection is a non-blocking stream socket. The send side is a
// StreamPass receiver, the recv side a StreamRecv producer; each is
// attached on first use.
type Connection struct {
	r       *reactor.Reactor
	fd      int
	handler func(Event)

	sendIface   *flow.StreamPassInterface
	sendData    []byte
	sendPending bool
	sendOps     int

	recvIface   *flow.StreamRecvInterface
	recvBuf     []byte
	recvPending bool
	recvClosed  bool
	recvOps     int

	wantEvents reactor.FdEvents
	limitJob   *reactor.Job
	dead       bool
}

// NewConnection adopts a connected non-blocking descriptor. The handler
// receives EventError and EventRecvClosed.
func NewConnection(r *reactor.Reactor, fd int, handler func(Event)) (*Connection, error) {
	c := &Connection{r: r, fd: fd, handler: handler}
	c.limitJob = reactor.NewJob(c.limitJobHandler)
	if err := r.AddFd(fd, 0, c.fdHandler); err != nil {
		return nil, err
	}
	return c, nil
}

// NewConnectionFromListener claims the connection just accepted by the
// listener; valid only inside the listener's handler.
func NewConnectionFromListener(l *Listener, handler func(Event)) (*Connection, error) {
	fd, err := l.claim()
	if err != nil {
		return nil, err
	}
	c, err := NewConnection(l.r, fd, handler)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return c, nil
}

// NewConnectionFromConnector takes over the descriptor of a completed
// connector; valid only after the connector reported success.
func NewConnectionFromConnector(cn *Connector, handler func(Event)) (*Connection, error) {
	fd, err := cn.takeFd()
	if err != nil {
		return nil, err
	}
	c, err := NewConnection(cn.r, fd, handler)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return c, nil
}

// NewConnectionFromNetConn duplicates the descriptor of an established
// net.Conn and drives the duplicate through the reactor. The original
// net.Conn should not be used afterwards.
func NewConnectionFromNetConn(r *reactor.Reactor, conn net.Conn, handler func(Event)) (*Connection, error) {
	fd := netfd.GetFdFromConn(conn)
	if fd < 0 {
		return nil, fmt.Errorf("no file descriptor on %T", conn)
	}
	dup, err := unix.Dup(fd)
	if err != nil {
		return nil, fmt.Errorf("error duplicating descriptor: %w", err)
	}
	if err := unix.SetNonblock(dup, true); err != nil {
		unix.Close(dup)
		return nil, fmt.Errorf("error setting non-blocking: %w", err)
	}
	c, err := NewConnection(r, dup, handler)
	if err != nil {
		unix.Close(dup)
		return nil, err
	}
	return c, nil
}

// Free detaches from the reactor and closes the descriptor. No callbacks
// fire after this.
func (c *Connection) Free() {
	c.dead = true
	c.r.Cancel(c.limitJob)
	c.r.RemoveFd(c.fd)
	unix.Close(c.fd)
}

// Fd exposes the descriptor, for option setting only.
func (c *Connection) Fd() int {
	return c.fd
}

// SendIface attaches (on first call) and returns the send-side interface.
func (c *Connection) SendIface() *flow.StreamPassInterface {
	if c.sendIface == nil {
		c.sendIface = flow.NewStreamPass(c.r, c.handlerSend)
	}
	return c.sendIface
}

// RecvIface attaches (on first call) and returns the recv-side interface.
func (c *Connection) RecvIface() *flow.StreamRecvInterface {
	if c.recvIface == nil {
		c.recvIface = flow.NewStreamRecv(c.r, c.handlerRecv)
	}
	return c.recvIface
}

func (c *Connection) handlerSend(data []byte) {
	c.sendData = data
	c.sendPending = true
	c.trySend()
}

func (c *Connection) handlerRecv(buf []byte) {
	c.recvBuf = buf
	c.recvPending = true
	c.tryRecv()
}

func (c *Connection) trySend() {
	if c.dead {
		return
	}
	if c.sendOps >= dispatchOpLimit {
		c.r.Schedule(c.limitJob)
		return
	}
	c.bumpSendOps()

	n, err := unix.Write(c.fd, c.sendData)
	if err == unix.EAGAIN || err == unix.EINTR || (err == nil && n == 0) {
		c.setEvents(c.wantEvents | reactor.Write)
		return
	}
	if err != nil {
		c.report(EventError)
		return
	}
	c.sendPending = false
	c.sendData = nil
	c.sendIface.Done(n)
}

func (c *Connection) tryRecv() {
	if c.dead || c.recvClosed {
		return
	}
	if c.recvOps >= dispatchOpLimit {
		c.r.Schedule(c.limitJob)
		return
	}
	c.bumpRecvOps()

	n, err := unix.Read(c.fd, c.recvBuf)
	if err == unix.EAGAIN || err == unix.EINTR {
		c.setEvents(c.wantEvents | reactor.Read)
		return
	}
	if err != nil {
		c.report(EventError)
		return
	}
	if n == 0 {
		c.recvClosed = true
		c.report(EventRecvClosed)
		return
	}
	c.recvPending = false
	c.recvBuf = nil
	c.recvIface.Done(n)
}

func (c *Connection) fdHandler(ready reactor.FdEvents) {
	if ready&reactor.Error != 0 {
		c.report(EventError)
		return
	}
	if ready&reactor.Write != 0 {
		c.setEvents(c.wantEvents &^ reactor.Write)
		if c.sendPending {
			c.trySend()
		}
	}
	if c.dead {
		return
	}
	if ready&reactor.Read != 0 {
		c.setEvents(c.wantEvents &^ reactor.Read)
		if c.recvPending {
			c.tryRecv()
		}
	}
}

// bumpSendOps counts an operation and arranges for the counters to reset
// on a job, which also retries anything that was deferred.
func (c *Connection) bumpSendOps() {
	c.sendOps++
	c.r.Schedule(c.limitJob)
}

func (c *Connection) bumpRecvOps() {
	c.recvOps++
	c.r.Schedule(c.limitJob)
}

func (c *Connection) limitJobHandler() {
	sendDeferred := c.sendPending && c.sendOps >= dispatchOpLimit
	recvDeferred := c.recvPending && c.recvOps >= dispatchOpLimit
	c.sendOps = 0
	c.recvOps = 0
	if sendDeferred {
		c.trySend()
	}
	if c.dead {
		return
	}
	if recvDeferred {
		c.tryRecv()
	}
}

func (c *Connection) setEvents(events reactor.FdEvents) {
	if c.wantEvents == events {
		return
	}
	c.wantEvents = events
	c.r.SetFdEvents(c.fd, events)
}

func (c *Connection) report(ev Event) {
	if c.dead {
		return
	}
	if ev == EventError {
		c.dead = true
	}
	c.handler(ev)
}
