package tun2socks

import (
	"net/netip"

	"github.com/rs/xid"

	"github.com/monasticacademy/tunsocks/pkg/blog"
	"github.com/monasticacademy/tunsocks/pkg/netstack"
	"github.com/monasticacademy/tunsocks/pkg/reactor"
	"github.com/monasticacademy/tunsocks/pkg/socks"
)

// client bridges one intercepted TCP connection to one SOCKS tunnel. Its
// two halves die independently: the pcb side (clientClosed) and the SOCKS
// side (socksClosed); the client deallocates when both are down and all
// buffered data has drained.
type client struct {
	eng *Engine
	id  xid.ID

	// for logging only
	localAddr  netip.AddrPort
	remoteAddr netip.AddrPort

	pcb          netstack.Conn
	clientClosed bool
	// pcbAborted is the abort-detected flag: set when the pcb was aborted
	// inside a nested dispatch, checked by stack callbacks on the way out
	// so they can report ErrAbrt.
	pcbAborted bool

	// bytes from the stack not yet accepted by SOCKS; never exceeds the
	// receive window the stack offered for them
	buf     []byte
	bufUsed int

	socksClient *socks.Client
	socksUp     bool
	socksClosed bool

	// sendPrevBufUsed is the bufUsed snapshot at the moment the current
	// send-to-SOCKS was launched, -1 when idle. The finished job runs
	// after the send round and converts the drained amount into a window
	// update, outside any SOCKS callback.
	sendPrevBufUsed int
	sendFinishedJob *reactor.Job

	// bytes from SOCKS being queued into the pcb
	recvBuf     []byte
	recvUsed    int // -1 when no receive is being drained
	recvSent    int
	recvWaiting bool // Write hit ErrMem; resume on the sent callback
	tcpPending  int  // queued into the pcb, not yet acknowledged
}

func (c *client) log(level int, format string, parts ...interface{}) {
	args := append([]interface{}{c.id, c.localAddr, c.remoteAddr}, parts...)
	switch level {
	case blog.LevelError:
		blog.Errorf("%v (%v %v): "+format, args...)
	case blog.LevelWarning:
		blog.Warningf("%v (%v %v): "+format, args...)
	default:
		blog.Infof("%v (%v %v): "+format, args...)
	}
}

// listenerAccept runs for each connection the stack established.
// Returning ErrMem keeps the new pcb out of our hands; returning ErrAbrt
// reports that it was aborted inside a nested dispatch.
func (e *Engine) listenerAccept(pcb netstack.Conn) netstack.Err {
	e.listener.Accepted()

	c := &client{
		eng:             e,
		id:              xid.New(),
		localAddr:       pcb.LocalAddr(),
		remoteAddr:      pcb.RemoteAddr(),
		buf:             make([]byte, 0, netstack.TCPWnd),
		recvBuf:         make([]byte, RecvBufSize),
		sendPrevBufUsed: -1,
		recvUsed:        -1,
	}
	c.sendFinishedJob = reactor.NewJob(c.sendFinishedJobHandler)

	dest := pcb.LocalAddr()
	if e.cfg.OverrideDest != nil {
		dest = *e.cfg.OverrideDest
	}
	socksClient, err := socks.NewClient(e.r, e.cfg.SocksServer, dest, c.socksHandler)
	if err != nil {
		blog.Errorf("listener accept: socks client: %v", err)
		return netstack.ErrMem
	}
	c.socksClient = socksClient

	e.clients[c] = struct{}{}
	e.stats.AcceptedTotal.Add(1)
	e.stats.ClientsActive.Add(1)

	c.pcb = pcb
	pcb.SetErr(c.pcbErr)
	pcb.SetRecv(c.pcbRecv)

	c.log(blog.LevelInfo, "accepted")

	e.sync(func() {})
	if c.pcbAborted {
		return netstack.ErrAbrt
	}
	return netstack.ErrOK
}

// handleFreedPcb finishes the pcb side once the stack half is gone (the
// pcb itself was already closed, aborted, or freed by the stack).
func (c *client) handleFreedPcb(wasAbrt bool) {
	c.clientClosed = true
	if wasAbrt {
		c.pcbAborted = true
	}

	if c.bufUsed > 0 && !c.socksClosed {
		c.log(blog.LevelInfo, "waiting until buffered data is sent to SOCKS")
		return
	}
	if !c.socksClosed {
		c.freeSocks()
	} else {
		c.dealloc()
	}
}

// freeClient closes the pcb side gracefully, falling back to abort.
// Reports whether an abort happened.
func (c *client) freeClient() bool {
	c.pcb.SetErr(nil)
	c.pcb.SetRecv(nil)
	c.pcb.SetSent(nil)

	wasAbrt := false
	if err := c.pcb.Close(); err != netstack.ErrOK {
		c.log(blog.LevelError, "close failed (%v)", err)
		c.pcb.Abort()
		wasAbrt = true
	}
	c.handleFreedPcb(wasAbrt)
	return wasAbrt
}

// abortClient kills the pcb side immediately.
func (c *client) abortClient() {
	c.pcb.SetErr(nil)
	c.pcb.SetRecv(nil)
	c.pcb.SetSent(nil)
	c.pcb.Abort()
	c.handleFreedPcb(true)
}

// freeSocks finishes the SOCKS side. If the tunnel still holds bytes
// destined for the pcb, the client lingers until the stack acknowledges
// them.
func (c *client) freeSocks() {
	if c.socksUp {
		c.eng.r.Cancel(c.sendFinishedJob)
		if !c.clientClosed {
			c.pcb.SetRecv(nil)
		}
	}
	c.socksClient.Free()
	c.socksClosed = true

	if c.socksUp && (c.recvUsed >= 0 || c.tcpPending > 0) && !c.clientClosed {
		c.log(blog.LevelInfo, "waiting until buffered data is sent to client")
		return
	}
	if !c.clientClosed {
		c.freeClient()
	} else {
		c.dealloc()
	}
}

// murder tears the client down unconditionally, for reactor exit.
func (c *client) murder() {
	if !c.clientClosed {
		c.pcb.SetErr(nil)
		c.pcb.SetRecv(nil)
		c.pcb.SetSent(nil)
		c.pcb.Abort()
		c.pcbAborted = true
		c.clientClosed = true
	}
	if !c.socksClosed {
		if c.socksUp {
			c.eng.r.Cancel(c.sendFinishedJob)
		}
		c.socksClient.Free()
		c.socksClosed = true
	}
	c.dealloc()
}

func (c *client) dealloc() {
	if !c.clientClosed || !c.socksClosed {
		panic("tun2socks: dealloc with a live side")
	}
	c.eng.r.Cancel(c.sendFinishedJob)
	delete(c.eng.clients, c)
	c.eng.stats.ClientsActive.Add(-1)
	c.log(blog.LevelInfo, "removed")
}

// pcbErr is the stack's error callback: the pcb is already freed.
func (c *client) pcbErr(err netstack.Err) {
	c.log(blog.LevelInfo, "client error (%v)", err)
	c.handleFreedPcb(false)
}

// pcbRecv is the stack's receive callback. A nil pbuf means the peer
// closed.
func (c *client) pcbRecv(p *netstack.Pbuf, err netstack.Err) netstack.Err {
	if p == nil {
		c.log(blog.LevelInfo, "client closed")
		if c.freeClient() {
			return netstack.ErrAbrt
		}
		return netstack.ErrOK
	}

	tot := p.TotLen()
	if tot > cap(c.buf)-c.bufUsed {
		// the stack delivered more than the window we opened
		c.log(blog.LevelError, "no buffer for data !?!")
		return netstack.ErrMem
	}

	c.buf = c.buf[:c.bufUsed+tot]
	p.CopyPartial(c.buf[c.bufUsed:], 0)
	c.bufUsed += tot
	p.Free()

	// if the buffer was empty, this data starts a new send round
	if c.bufUsed == tot && c.socksUp && !c.socksClosed {
		c.eng.sync(func() {
			c.sendToSocks()
		})
		if c.pcbAborted {
			return netstack.ErrAbrt
		}
	}
	return netstack.ErrOK
}

// sendToSocks launches a send round: snapshot the buffer level, schedule
// the finished job, submit.
func (c *client) sendToSocks() {
	c.sendPrevBufUsed = c.bufUsed
	c.eng.r.Schedule(c.sendFinishedJob)
	c.socksClient.SendIface().Send(c.buf[:c.bufUsed])
}

// socksSendDone runs when SOCKS consumed part of the buffer. Window
// bookkeeping is deferred to the finished job; here we only shift and
// keep the round going.
func (c *client) socksSendDone(consumed int) {
	copy(c.buf, c.buf[consumed:c.bufUsed])
	c.bufUsed -= consumed
	c.buf = c.buf[:c.bufUsed]
	c.eng.stats.BytesToSocks.Add(int64(consumed))

	if c.bufUsed > 0 {
		c.socksClient.SendIface().Send(c.buf[:c.bufUsed])
	}
}

// sendFinishedJobHandler runs after the send round it was scheduled with.
// It opens the receive window by exactly what SOCKS drained since the
// snapshot, or finishes the SOCKS side if the pcb went down meanwhile.
func (c *client) sendFinishedJobHandler() {
	sent := c.sendPrevBufUsed - c.bufUsed
	c.sendPrevBufUsed = -1

	if c.clientClosed {
		c.log(blog.LevelInfo, "removing after client went down")
		c.freeSocks()
		return
	}
	if sent > 0 {
		c.pcb.Recved(sent)
	}
}

// socksHandler receives SOCKS client events.
func (c *client) socksHandler(ev socks.Event) {
	switch ev {
	case socks.EventError:
		c.log(blog.LevelInfo, "SOCKS error")
		c.freeSocks()

	case socks.EventErrorClosed:
		c.log(blog.LevelInfo, "SOCKS closed")
		c.freeSocks()

	case socks.EventUp:
		c.log(blog.LevelInfo, "SOCKS up")

		c.socksClient.SendIface().SenderInit(c.socksSendDone)
		c.socksClient.RecvIface().ReceiverInit(c.socksRecvDone)
		c.recvUsed = -1
		c.tcpPending = 0
		c.pcb.SetSent(c.pcbSent)
		c.socksUp = true

		if c.bufUsed > 0 {
			c.sendToSocks()
		}
		if !c.clientClosed {
			c.socksRecvInitiate()
		}
	}
}

func (c *client) socksRecvInitiate() {
	c.socksClient.RecvIface().Recv(c.recvBuf)
}

// socksRecvDone runs when SOCKS produced bytes for the pcb.
func (c *client) socksRecvDone(n int) {
	// if the pcb side is gone these bytes have nowhere to go
	if c.clientClosed {
		return
	}

	c.recvUsed = n
	c.recvSent = 0
	c.recvWaiting = false
	c.eng.stats.BytesFromSocks.Add(int64(n))

	if c.recvSendOut() < 0 {
		return
	}
	if c.recvUsed == -1 {
		c.socksRecvInitiate()
	}
}

// recvSendOut queues as much of the receive buffer into the pcb as it
// will take. Returns -1 if the pcb was aborted.
func (c *client) recvSendOut() int {
	for {
		toWrite := c.recvUsed - c.recvSent
		if s := c.pcb.SndBuf(); toWrite > s {
			toWrite = s
		}
		if toWrite == 0 {
			break
		}

		err := c.pcb.Write(c.recvBuf[c.recvSent : c.recvSent+toWrite])
		if err != netstack.ErrOK {
			if err == netstack.ErrMem {
				break
			}
			c.log(blog.LevelInfo, "write failed (%v)", err)
			c.abortClient()
			return -1
		}

		c.recvSent += toWrite
		c.tcpPending += toWrite
		if c.recvSent == c.recvUsed {
			break
		}
	}

	if err := c.pcb.Output(); err != netstack.ErrOK {
		c.log(blog.LevelInfo, "output failed (%v)", err)
		c.abortClient()
		return -1
	}

	if c.recvSent < c.recvUsed {
		if c.tcpPending == 0 {
			// nothing queued yet everything acknowledged: the pcb is
			// wedged
			c.log(blog.LevelError, "can't queue data, but all data was confirmed !?!")
			c.abortClient()
			return -1
		}
		c.recvWaiting = true
		return 0
	}

	c.recvUsed = -1
	return 0
}

// pcbSent is the stack's acknowledgement callback.
func (c *client) pcbSent(n int) netstack.Err {
	c.tcpPending -= n

	if c.recvUsed > 0 {
		c.recvWaiting = false
		if c.recvSendOut() < 0 {
			return netstack.ErrAbrt
		}
		if c.recvUsed == -1 && !c.socksClosed {
			c.eng.sync(func() {
				c.socksRecvInitiate()
			})
			if c.pcbAborted {
				return netstack.ErrAbrt
			}
		}
		return netstack.ErrOK
	}

	if c.socksClosed && c.tcpPending == 0 {
		c.log(blog.LevelInfo, "removing after SOCKS went down")
		if c.freeClient() {
			return netstack.ErrAbrt
		}
	}
	return netstack.ErrOK
}
