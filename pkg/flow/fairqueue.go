package flow

import (
	"github.com/monasticacademy/tunsocks/pkg/reactor"
)

// FairQueue multiplexes any number of packet flows onto one PacketPass
// output, serving flows with buffered packets round-robin. Exactly one flow
// occupies the output at a time.
//
// Teardown uses the prepare-free protocol: PrepareFree inhibits new
// activations, a flow that is mid-transmission registers a busy handler and
// is released on a reactor job once the output completes.
type FairQueue struct {
	r        *reactor.Reactor
	output   *PacketPassInterface
	waiting  []*FairQueueFlow
	active   *FairQueueFlow
	schedJob *reactor.Job
	freeing  bool
}

// NewFairQueue creates a queue sending to output.
func NewFairQueue(r *reactor.Reactor, output *PacketPassInterface) *FairQueue {
	q := &FairQueue{r: r, output: output}
	q.output.SenderInit(q.outputDone)
	q.schedJob = reactor.NewJob(q.schedule)
	return q
}

// PrepareFree marks the queue for teardown: no flow will become active
// after this call. Flows may then be freed, using busy handlers for the one
// that is still occupying the output.
func (q *FairQueue) PrepareFree() {
	q.freeing = true
	q.r.Cancel(q.schedJob)
}

func (q *FairQueue) trySchedule() {
	if q.active == nil && !q.freeing && len(q.waiting) > 0 {
		q.r.Schedule(q.schedJob)
	}
}

func (q *FairQueue) schedule() {
	if q.active != nil || q.freeing || len(q.waiting) == 0 {
		return
	}
	f := q.waiting[0]
	q.waiting = q.waiting[1:]
	q.active = f
	q.output.Send(f.pending)
}

func (q *FairQueue) outputDone() {
	f := q.active
	q.active = nil
	f.pending = nil
	f.hasPacket = false
	f.iface.Done()
	if f.busyHandler != nil {
		h := f.busyHandler
		f.busyHandler = nil
		q.r.Schedule(reactor.NewJob(h))
	}
	if f.suspendPending {
		f.finishSuspend()
	}
	q.trySchedule()
}

func (q *FairQueue) removeWaiting(f *FairQueueFlow) {
	for i, w := range q.waiting {
		if w == f {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return
		}
	}
}

// FairQueueFlow is one input flow of a FairQueue. The flow's sender talks
// to Iface; the queue forwards buffered packets in its turn.
type FairQueueFlow struct {
	q              *FairQueue
	iface          *PacketPassInterface
	pending        []byte
	hasPacket      bool
	suspended      bool
	suspendPending bool
	suspendDone    func()
	busyHandler    func()
}

// NewFlow adds a flow to the queue.
func (q *FairQueue) NewFlow() *FairQueueFlow {
	f := &FairQueueFlow{q: q}
	f.iface = NewPacketPass(q.r, q.output.MTU(), f.handlerSend)
	return f
}

// Iface is the PacketPass interface the flow's sender submits to.
func (f *FairQueueFlow) Iface() *PacketPassInterface {
	return f.iface
}

func (f *FairQueueFlow) handlerSend(data []byte) {
	f.pending = data
	f.hasPacket = true
	if !f.suspended {
		f.q.waiting = append(f.q.waiting, f)
		f.q.trySchedule()
	}
}

// IsBusy reports whether the flow currently occupies the queue's output.
// A busy flow must not be freed until its busy handler has run.
func (f *FairQueueFlow) IsBusy() bool {
	return f.q.active == f
}

// SetBusyHandler registers a callback invoked exactly once, on a reactor
// job, when the flow stops occupying the output. Valid only while busy.
func (f *FairQueueFlow) SetBusyHandler(handler func()) {
	if !f.IsBusy() {
		panic("flow: busy handler on a flow that is not busy")
	}
	f.busyHandler = handler
}

// RequestSuspend excludes the flow from scheduling. The request takes
// effect once the flow holds no packet; done (optional) is then called on a
// reactor job.
func (f *FairQueueFlow) RequestSuspend(done func()) {
	if f.suspended || f.suspendPending {
		return
	}
	if !f.hasPacket {
		f.suspended = true
		if done != nil {
			f.q.r.Schedule(reactor.NewJob(done))
		}
		return
	}
	// the buffered packet drains in its turn, then the flow suspends
	f.suspendPending = true
	f.suspendDone = done
}

func (f *FairQueueFlow) finishSuspend() {
	f.suspendPending = false
	f.suspended = true
	if f.suspendDone != nil {
		done := f.suspendDone
		f.suspendDone = nil
		f.q.r.Schedule(reactor.NewJob(done))
	}
}

// Resume re-admits a suspended flow to scheduling.
func (f *FairQueueFlow) Resume() {
	if !f.suspended {
		return
	}
	f.suspended = false
	if f.hasPacket && !f.IsBusy() {
		f.q.waiting = append(f.q.waiting, f)
		f.q.trySchedule()
	}
}

// Remove detaches a non-busy flow from the queue.
func (f *FairQueueFlow) Remove() {
	if f.IsBusy() {
		panic("flow: removing a busy flow")
	}
	f.q.removeWaiting(f)
	f.hasPacket = false
	f.pending = nil
}
