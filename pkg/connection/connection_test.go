package connection

import (
	"io"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/monasticacademy/tunsocks/pkg/reactor"
)

func runUntil(t *testing.T, r *reactor.Reactor, script func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var poll *reactor.Timer
	poll = reactor.NewTimer(func() {
		if script() {
			r.Quit(0)
			return
		}
		if time.Now().After(deadline) {
			r.Quit(2)
			return
		}
		r.SetTimer(poll, time.Millisecond)
	})
	r.SetTimer(poll, time.Millisecond)
	if code := r.Run(); code == 2 {
		t.Fatal("timed out waiting for condition")
	}
}

func newReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Close)
	return r
}

var loopback = netip.MustParseAddr("127.0.0.1")

// echoer reads from a connection and writes everything straight back.
type echoer struct {
	conn *Connection
	buf  [512]byte
	out  []byte
	sent int
}

func newEchoer(conn *Connection) *echoer {
	e := &echoer{conn: conn}
	conn.RecvIface().ReceiverInit(e.recvDone)
	conn.SendIface().SenderInit(e.sendDone)
	conn.RecvIface().Recv(e.buf[:])
	return e
}

func (e *echoer) recvDone(n int) {
	e.out = append([]byte(nil), e.buf[:n]...)
	e.sent = 0
	e.conn.SendIface().Send(e.out)
}

func (e *echoer) sendDone(consumed int) {
	e.sent += consumed
	if e.sent < len(e.out) {
		e.conn.SendIface().Send(e.out[e.sent:])
		return
	}
	e.conn.RecvIface().Recv(e.buf[:])
}

func TestConnectListenEcho(t *testing.T) {
	r := newReactor(t)

	var serverConn *Connection
	var listener *Listener
	listener, err := NewListener(r, netip.AddrPortFrom(loopback, 0), func() {
		conn, err := NewConnectionFromListener(listener, func(ev Event) {})
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		serverConn = conn
		newEchoer(conn)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Free()

	addr, err := listener.Addr()
	if err != nil {
		t.Fatal(err)
	}

	var clientConn *Connection
	var got []byte
	recvBuf := make([]byte, 64)
	var connector *Connector
	connector, err = NewConnector(r, addr, func(cerr error) {
		if cerr != nil {
			t.Errorf("connect: %v", cerr)
			return
		}
		conn, cerr := NewConnectionFromConnector(connector, func(ev Event) {})
		if cerr != nil {
			t.Errorf("connection: %v", cerr)
			return
		}
		clientConn = conn
		conn.SendIface().SenderInit(func(consumed int) {
			conn.RecvIface().Recv(recvBuf)
		})
		conn.RecvIface().ReceiverInit(func(n int) {
			got = append(got, recvBuf[:n]...)
			if len(got) < 5 {
				conn.RecvIface().Recv(recvBuf)
			}
		})
		conn.SendIface().Send([]byte("hello"))
	})
	if err != nil {
		t.Fatal(err)
	}
	defer connector.Free()

	runUntil(t, r, func() bool { return string(got) == "hello" })

	if clientConn != nil {
		clientConn.Free()
	}
	if serverConn != nil {
		serverConn.Free()
	}
}

func TestRecvClosedEvent(t *testing.T) {
	r := newReactor(t)

	var events []Event
	var listener *Listener
	listener, err := NewListener(r, netip.AddrPortFrom(loopback, 0), func() {
		conn, err := NewConnectionFromListener(listener, func(ev Event) {
			events = append(events, ev)
		})
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		// post a receive so the half-close is noticed
		conn.RecvIface().ReceiverInit(func(n int) {})
		conn.RecvIface().Recv(make([]byte, 16))
	})
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Free()

	addr, err := listener.Addr()
	if err != nil {
		t.Fatal(err)
	}

	// a plain blocking client that connects and immediately half-closes
	go func() {
		conn, err := net.Dial("tcp", addr.String())
		if err != nil {
			return
		}
		conn.(*net.TCPConn).CloseWrite()
		// keep the socket open a moment so the event is a half-close
		time.Sleep(500 * time.Millisecond)
		conn.Close()
	}()

	runUntil(t, r, func() bool { return len(events) > 0 })
	if events[0] != EventRecvClosed {
		t.Fatalf("first event = %v, want EventRecvClosed", events[0])
	}
}

func TestUnclaimedAcceptIsDropped(t *testing.T) {
	r := newReactor(t)

	accepts := 0
	listener, err := NewListener(r, netip.AddrPortFrom(loopback, 0), func() {
		// deliberately do not claim the connection
		accepts++
	})
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Free()

	addr, err := listener.Addr()
	if err != nil {
		t.Fatal(err)
	}

	var closed atomic.Bool
	go func() {
		conn, err := net.Dial("tcp", addr.String())
		if err != nil {
			return
		}
		// the default job closed the accepted fd, so reads finish
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var b [1]byte
		_, rerr := conn.Read(b[:])
		if rerr == io.EOF {
			closed.Store(true)
		}
		conn.Close()
	}()

	runUntil(t, r, func() bool { return accepts > 0 && closed.Load() })
}

func TestNewConnectionFromNetConn(t *testing.T) {
	r := newReactor(t)

	// a plain blocking echo peer
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		io.Copy(c, c)
	}()

	raw, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()

	conn, err := NewConnectionFromNetConn(r, raw, func(ev Event) {})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Free()

	var got []byte
	recvBuf := make([]byte, 16)
	conn.SendIface().SenderInit(func(consumed int) {
		conn.RecvIface().Recv(recvBuf)
	})
	conn.RecvIface().ReceiverInit(func(n int) {
		got = append(got, recvBuf[:n]...)
		if len(got) < 4 {
			conn.RecvIface().Recv(recvBuf)
		}
	})
	r.Schedule(reactor.NewJob(func() {
		conn.SendIface().Send([]byte("ping"))
	}))

	runUntil(t, r, func() bool { return string(got) == "ping" })
}

func TestDatagramSendRecv(t *testing.T) {
	r := newReactor(t)

	a, err := NewDatagram(r, netip.AddrPortFrom(loopback, 0), func(ev Event) {})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Free()
	b, err := NewDatagram(r, netip.AddrPortFrom(loopback, 0), func(ev Event) {})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Free()

	baddr, err := b.Addr()
	if err != nil {
		t.Fatal(err)
	}
	a.SetSendAddr(baddr)

	var got []byte
	recvBuf := make([]byte, 64)
	sendCount := 0

	a.SendIface(64).SenderInit(func() { sendCount++ })
	b.RecvIface(64).ReceiverInit(func(n int) {
		got = append([]byte(nil), recvBuf[:n]...)
	})

	r.Schedule(reactor.NewJob(func() {
		b.RecvIface(64).Recv(recvBuf)
		a.SendIface(64).Send([]byte("datagram"))
	}))

	runUntil(t, r, func() bool { return string(got) == "datagram" })
	if sendCount != 1 {
		t.Fatalf("send completed %d times", sendCount)
	}
}
