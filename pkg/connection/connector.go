package connection

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/monasticacademy/tunsocks/pkg/reactor"
)

// Connector performs a non-blocking connect. The handler is called exactly
// once, with nil on success; the descriptor is then claimed with
// NewConnectionFromConnector.
type Connector struct {
	r       *reactor.Reactor
	fd      int
	handler func(err error)
	job     *reactor.Job
	jobErr  error
	added   bool
	done    bool
	taken   bool
	failed  bool
}

// NewConnector starts connecting to addr.
func NewConnector(r *reactor.Reactor, addr netip.AddrPort, handler func(err error)) (*Connector, error) {
	fd, err := newSocket(familyForAddr(addr.Addr()), unix.SOCK_STREAM)
	if err != nil {
		return nil, err
	}
	cn := &Connector{r: r, fd: fd, handler: handler}
	cn.job = reactor.NewJob(cn.jobHandler)

	err = unix.Connect(fd, sockaddrFromAddrPort(addr))
	switch err {
	case nil:
		// connected immediately; still report through a job
		cn.done = true
		r.Schedule(cn.job)
	case unix.EINPROGRESS:
		if err := r.AddFd(fd, reactor.Write, cn.fdHandler); err != nil {
			unix.Close(fd)
			return nil, err
		}
		cn.added = true
	default:
		unix.Close(fd)
		return nil, fmt.Errorf("error connecting to %v: %w", addr, err)
	}
	return cn, nil
}

// Free releases the connector. Safe whether or not it completed; a claimed
// descriptor is not touched.
func (cn *Connector) Free() {
	cn.r.Cancel(cn.job)
	if cn.added {
		cn.r.RemoveFd(cn.fd)
		cn.added = false
	}
	if !cn.taken && cn.fd >= 0 {
		unix.Close(cn.fd)
		cn.fd = -1
	}
}

func (cn *Connector) fdHandler(ready reactor.FdEvents) {
	cn.r.RemoveFd(cn.fd)
	cn.added = false
	cn.done = true

	soerr, err := unix.GetsockoptInt(cn.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		cn.failed = true
		cn.handler(fmt.Errorf("error reading connect result: %w", err))
		return
	}
	if soerr != 0 {
		cn.failed = true
		cn.handler(unix.Errno(soerr))
		return
	}
	cn.handler(nil)
}

func (cn *Connector) jobHandler() {
	cn.handler(cn.jobErr)
}

func (cn *Connector) takeFd() (int, error) {
	if !cn.done || cn.failed || cn.taken {
		return -1, fmt.Errorf("connector has no descriptor to take")
	}
	cn.taken = true
	return cn.fd, nil
}
