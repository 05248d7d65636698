package connection

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/monasticacademy/tunsocks/pkg/blog"
	"github.com/monasticacademy/tunsocks/pkg/reactor"
)

// Listener accepts stream connections. For each incoming connection the
// handler is called once; if it does not claim the connection with
// NewConnectionFromListener before its turn ends, a default job closes the
// accepted descriptor so a refused flood cannot pin resources.
type Listener struct {
	r          *reactor.Reactor
	fd         int
	handler    func()
	acceptedFd int
	defaultJob *reactor.Job
}

// NewListener binds addr and starts accepting.
func NewListener(r *reactor.Reactor, addr netip.AddrPort, handler func()) (*Listener, error) {
	fd, err := newSocket(familyForAddr(addr.Addr()), unix.SOCK_STREAM)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("error setting SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sockaddrFromAddrPort(addr)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("error binding %v: %w", addr, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("error listening on %v: %w", addr, err)
	}
	l := &Listener{r: r, fd: fd, handler: handler, acceptedFd: -1}
	l.defaultJob = reactor.NewJob(l.defaultJobHandler)
	if err := r.AddFd(fd, reactor.Read, l.fdHandler); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return l, nil
}

// Addr reports the bound address.
func (l *Listener) Addr() (netip.AddrPort, error) {
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return addrPortFromSockaddr(sa), nil
}

// Free stops accepting and closes the socket.
func (l *Listener) Free() {
	l.r.Cancel(l.defaultJob)
	if l.acceptedFd >= 0 {
		unix.Close(l.acceptedFd)
		l.acceptedFd = -1
	}
	l.r.RemoveFd(l.fd)
	unix.Close(l.fd)
}

func (l *Listener) fdHandler(ready reactor.FdEvents) {
	if ready&reactor.Error != 0 {
		blog.Errorf("listener: socket error")
		return
	}
	fd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err != unix.EAGAIN && err != unix.EINTR {
			blog.Warningf("listener: accept: %v", err)
		}
		return
	}
	l.acceptedFd = fd
	l.r.Schedule(l.defaultJob)
	l.handler()
}

func (l *Listener) defaultJobHandler() {
	// the handler did not claim the connection
	if l.acceptedFd >= 0 {
		unix.Close(l.acceptedFd)
		l.acceptedFd = -1
	}
}

func (l *Listener) claim() (int, error) {
	if l.acceptedFd < 0 {
		return -1, fmt.Errorf("no connection to claim")
	}
	fd := l.acceptedFd
	l.acceptedFd = -1
	l.r.Cancel(l.defaultJob)
	return fd, nil
}
