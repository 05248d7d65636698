// Package reactor implements the single-threaded event loop that drives
// everything else: deferred jobs, timers, and file-descriptor readiness.
// All mutation of program state happens from callbacks dispatched here, one
// at a time; there are no locks anywhere above this package.
package reactor

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"github.com/monasticacademy/tunsocks/pkg/blog"
)

// ErrTooManyFds is returned by AddFd when the OS refuses to register
// another descriptor.
var ErrTooManyFds = errors.New("too many file descriptors")

// Reactor is the event loop. Not safe for use from more than one goroutine;
// the whole point is that there is exactly one.
type Reactor struct {
	epfd     int
	events   []unix.EpollEvent
	jobsHead *Job
	jobsTail *Job
	timers   *btree.BTreeG[*Timer]
	timerSeq uint64
	fds      map[int]*fdEntry
	exited   bool
	exitCode int
}

type fdEntry struct {
	fd      int
	events  FdEvents
	handler func(ready FdEvents)
}

// New creates a reactor with an empty job queue and no timers or fds.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("error creating epoll instance: %w", err)
	}
	return &Reactor{
		epfd:   epfd,
		events: make([]unix.EpollEvent, 64),
		timers: btree.NewG[*Timer](8, timerLess),
		fds:    make(map[int]*fdEntry),
	}, nil
}

// Run enters the loop and returns the code passed to Quit. Each iteration
// drains the job queue to fixed point, blocks until the next timer or fd
// event, then fires expired timers and ready fd handlers.
func (r *Reactor) Run() int {
	for {
		r.executeJobs(nil)
		if r.exited {
			break
		}

		timeout := -1
		if t, ok := r.timers.Min(); ok {
			d := time.Until(t.deadline)
			if d < 0 {
				d = 0
			}
			// round up so we do not wake before the deadline
			timeout = int((d + time.Millisecond - 1) / time.Millisecond)
		}

		n, err := unix.EpollWait(r.epfd, r.events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			blog.Errorf("reactor: epoll_wait: %v", err)
			break
		}

		r.dispatchTimers()

		for i := 0; i < n; i++ {
			ev := r.events[i]
			entry, ok := r.fds[int(ev.Fd)]
			if !ok {
				// removed by an earlier handler in this batch
				continue
			}
			ready := epollToEvents(ev.Events) & (entry.events | Error)
			if ready != 0 {
				entry.handler(ready)
			}
		}
	}
	return r.exitCode
}

// Quit makes Run return code once control unwinds back to the loop.
// Callbacks already dispatched in the current iteration still run.
func (r *Reactor) Quit(code int) {
	r.exited = true
	r.exitCode = code
}

// Exiting reports whether Quit has been called.
func (r *Reactor) Exiting() bool {
	return r.exited
}

// Close releases the OS resources. Call only after Run has returned.
func (r *Reactor) Close() {
	unix.Close(r.epfd)
}

func (r *Reactor) dispatchTimers() {
	now := time.Now()
	for {
		t, ok := r.timers.Min()
		if !ok || t.deadline.After(now) {
			return
		}
		r.timers.Delete(t)
		t.armed = false
		t.handler()
	}
}
