// Package socks implements the client side of the SOCKS5 CONNECT handshake
// (RFC 1928, no authentication). After the handshake the client gets out of
// the way entirely: the tunneled stream is the underlying connection's own
// send and receive interfaces.
package socks

import (
	"net/netip"

	"github.com/monasticacademy/tunsocks/pkg/blog"
	"github.com/monasticacademy/tunsocks/pkg/connection"
	"github.com/monasticacademy/tunsocks/pkg/flow"
	"github.com/monasticacademy/tunsocks/pkg/reactor"
)

// SOCKS5 wire constants
const (
	version    = 0x05
	cmdConnect = 0x01
	methodNone = 0x00
	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04
	repSuccess = 0x00
)

// Event is a client-level condition.
type Event int

const (
	// EventError is any failure before the tunnel is up.
	EventError Event = iota
	// EventUp means the handshake completed; the stream interfaces are
	// now plain tunnels to the destination.
	EventUp
	// EventErrorClosed is any failure after the tunnel was up.
	EventErrorClosed
)

type state int

const (
	stateConnecting state = iota
	stateGreetSent
	stateRequestSent
	stateReadingReply
	stateUp
	stateClosed
)

// the largest message we ever need buffered: reply header + domain-form
// bound address + port
const bufSize = 4 + 1 + 255 + 2

// Client tunnels one stream through a SOCKS5 server.
type Client struct {
	r       *reactor.Reactor
	dest    netip.AddrPort
	handler func(Event)

	connector *connection.Connector
	conn      *connection.Connection
	state     state

	out     []byte
	outSent int
	onSent  func()

	in     [bufSize]byte
	inUsed int
	inNeed int
	onRead func()
}

// NewClient starts connecting to the SOCKS server at serverAddr and, once
// up, asks it to connect to dest. The handler receives EventError,
// EventUp and EventErrorClosed.
func NewClient(r *reactor.Reactor, serverAddr, dest netip.AddrPort, handler func(Event)) (*Client, error) {
	c := &Client{r: r, dest: dest, handler: handler, state: stateConnecting}
	connector, err := connection.NewConnector(r, serverAddr, c.connectorHandler)
	if err != nil {
		return nil, err
	}
	c.connector = connector
	return c, nil
}

// Free releases the client. Safe in any state; no callbacks fire after.
func (c *Client) Free() {
	c.state = stateClosed
	if c.conn != nil {
		c.conn.Free()
		c.conn = nil
	}
	if c.connector != nil {
		c.connector.Free()
		c.connector = nil
	}
}

// SendIface is the tunnel's send side; valid after EventUp. The caller
// binds its own done handler.
func (c *Client) SendIface() *flow.StreamPassInterface {
	return c.conn.SendIface()
}

// RecvIface is the tunnel's receive side; valid after EventUp.
func (c *Client) RecvIface() *flow.StreamRecvInterface {
	return c.conn.RecvIface()
}

func (c *Client) fail() {
	if c.state == stateClosed {
		return
	}
	up := c.state == stateUp
	c.state = stateClosed
	if up {
		c.handler(EventErrorClosed)
	} else {
		c.handler(EventError)
	}
}

func (c *Client) connectorHandler(err error) {
	if err != nil {
		blog.Infof("socks: connect failed: %v", err)
		c.fail()
		return
	}
	conn, cerr := connection.NewConnectionFromConnector(c.connector, c.connEvent)
	c.connector.Free()
	c.connector = nil
	if cerr != nil {
		blog.Infof("socks: %v", cerr)
		c.fail()
		return
	}
	c.conn = conn
	c.conn.SendIface().SenderInit(c.sendDone)
	c.conn.RecvIface().ReceiverInit(c.readDone)

	// greeting: version, one method, no-auth
	c.state = stateGreetSent
	c.send([]byte{version, 0x01, methodNone}, func() {
		c.read(2, c.greetingReply)
	})
}

func (c *Client) connEvent(ev connection.Event) {
	// any connection event is fatal; RecvClosed mid-tunnel included,
	// since the engine tears the tunnel down as a unit
	c.fail()
}

func (c *Client) send(data []byte, onSent func()) {
	c.out = data
	c.outSent = 0
	c.onSent = onSent
	c.conn.SendIface().Send(c.out)
}

func (c *Client) sendDone(consumed int) {
	if c.state == stateClosed {
		return
	}
	c.outSent += consumed
	if c.outSent < len(c.out) {
		c.conn.SendIface().Send(c.out[c.outSent:])
		return
	}
	c.onSent()
}

func (c *Client) read(n int, onRead func()) {
	c.inUsed = 0
	c.inNeed = n
	c.onRead = onRead
	c.conn.RecvIface().Recv(c.in[:c.inNeed])
}

func (c *Client) readMore(n int, onRead func()) {
	c.inNeed += n
	c.onRead = onRead
	c.conn.RecvIface().Recv(c.in[c.inUsed:c.inNeed])
}

func (c *Client) readDone(n int) {
	if c.state == stateClosed {
		return
	}
	c.inUsed += n
	if c.inUsed < c.inNeed {
		c.conn.RecvIface().Recv(c.in[c.inUsed:c.inNeed])
		return
	}
	c.onRead()
}

func (c *Client) greetingReply() {
	if c.in[0] != version || c.in[1] != methodNone {
		blog.Infof("socks: server rejected authentication method")
		c.fail()
		return
	}
	c.sendRequest()
}

func (c *Client) sendRequest() {
	req := make([]byte, 0, 4+16+2)
	req = append(req, version, cmdConnect, 0x00)
	addr := c.dest.Addr()
	if addr.Is4() || addr.Is4In6() {
		a4 := addr.Unmap().As4()
		req = append(req, atypIPv4)
		req = append(req, a4[:]...)
	} else {
		a16 := addr.As16()
		req = append(req, atypIPv6)
		req = append(req, a16[:]...)
	}
	req = append(req, byte(c.dest.Port()>>8), byte(c.dest.Port()))

	c.state = stateRequestSent
	c.send(req, func() {
		c.state = stateReadingReply
		c.read(4, c.replyHeader)
	})
}

func (c *Client) replyHeader() {
	if c.in[0] != version || c.in[1] != repSuccess {
		blog.Infof("socks: request refused (rep=%d)", c.in[1])
		c.fail()
		return
	}
	// consume the bound address; its value is irrelevant
	switch c.in[3] {
	case atypIPv4:
		c.readMore(4+2, c.up)
	case atypIPv6:
		c.readMore(16+2, c.up)
	case atypDomain:
		c.readMore(1, func() {
			c.readMore(int(c.in[c.inUsed-1])+2, c.up)
		})
	default:
		blog.Infof("socks: unknown address type in reply (%d)", c.in[3])
		c.fail()
	}
}

func (c *Client) up() {
	c.state = stateUp
	c.handler(EventUp)
}
