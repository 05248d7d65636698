package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// FdEvents is a set of fd readiness conditions.
type FdEvents uint8

const (
	Read  FdEvents = 1 << 0
	Write FdEvents = 1 << 1
	// Error is never requested; it is reported when the OS flags the
	// descriptor as broken.
	Error FdEvents = 1 << 2
)

func eventsToEpoll(events FdEvents) uint32 {
	var e uint32
	if events&Read != 0 {
		e |= unix.EPOLLIN
	}
	if events&Write != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(e uint32) FdEvents {
	var events FdEvents
	if e&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
		events |= Read
	}
	if e&unix.EPOLLOUT != 0 {
		events |= Write
	}
	if e&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		events |= Error
	}
	return events
}

// AddFd registers a non-blocking descriptor. The handler is called with the
// subset of requested events that are ready, possibly together with Error.
func (r *Reactor) AddFd(fd int, events FdEvents, handler func(ready FdEvents)) error {
	if _, ok := r.fds[fd]; ok {
		return fmt.Errorf("fd %d already registered", fd)
	}
	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	})
	if err != nil {
		if err == unix.ENOSPC || err == unix.ENOMEM {
			return ErrTooManyFds
		}
		return fmt.Errorf("error registering fd %d: %w", fd, err)
	}
	r.fds[fd] = &fdEntry{fd: fd, events: events, handler: handler}
	return nil
}

// SetFdEvents changes the requested event set for a registered descriptor.
func (r *Reactor) SetFdEvents(fd int, events FdEvents) {
	entry, ok := r.fds[fd]
	if !ok {
		return
	}
	if entry.events == events {
		return
	}
	entry.events = events
	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	})
	if err != nil {
		// MOD on a registered fd only fails if the fd went bad underneath
		// us; the next wait will report it
		return
	}
}

// RemoveFd unregisters a descriptor. Pending events for it in the current
// dispatch batch are discarded.
func (r *Reactor) RemoveFd(fd int) {
	if _, ok := r.fds[fd]; !ok {
		return
	}
	delete(r.fds, fd)
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}
