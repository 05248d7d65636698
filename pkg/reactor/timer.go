package reactor

import "time"

// Timer fires its handler once at a deadline. Arming an armed timer moves
// its deadline; firing and removal both return it to the detached state.
type Timer struct {
	handler  func()
	deadline time.Time
	seq      uint64
	armed    bool
}

// NewTimer creates a detached timer.
func NewTimer(handler func()) *Timer {
	return &Timer{handler: handler}
}

// Armed reports whether the timer is scheduled to fire.
func (t *Timer) Armed() bool {
	return t.armed
}

func timerLess(a, b *Timer) bool {
	if !a.deadline.Equal(b.deadline) {
		return a.deadline.Before(b.deadline)
	}
	return a.seq < b.seq
}

// SetTimerAbsolute arms the timer to fire at the given time. An armed timer
// is re-armed at the new deadline.
func (r *Reactor) SetTimerAbsolute(t *Timer, at time.Time) {
	if t.armed {
		r.timers.Delete(t)
	}
	t.deadline = at
	r.timerSeq++
	t.seq = r.timerSeq
	t.armed = true
	r.timers.ReplaceOrInsert(t)
}

// SetTimer arms the timer to fire after d.
func (r *Reactor) SetTimer(t *Timer, d time.Duration) {
	r.SetTimerAbsolute(t, time.Now().Add(d))
}

// RemoveTimer disarms the timer if it is armed.
func (r *Reactor) RemoveTimer(t *Timer) {
	if !t.armed {
		return
	}
	r.timers.Delete(t)
	t.armed = false
}
