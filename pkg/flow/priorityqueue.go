package flow

import (
	"github.com/google/btree"

	"github.com/monasticacademy/tunsocks/pkg/reactor"
)

// PriorityQueue multiplexes packet flows onto one PacketPass output like
// FairQueue, but serves the waiting flow with the lowest priority value,
// FIFO among equals.
type PriorityQueue struct {
	r        *reactor.Reactor
	output   *PacketPassInterface
	waiting  *btree.BTreeG[*PriorityQueueFlow]
	seq      uint64
	active   *PriorityQueueFlow
	schedJob *reactor.Job
	freeing  bool
}

func priorityLess(a, b *PriorityQueueFlow) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}

// NewPriorityQueue creates a queue sending to output.
func NewPriorityQueue(r *reactor.Reactor, output *PacketPassInterface) *PriorityQueue {
	q := &PriorityQueue{
		r:       r,
		output:  output,
		waiting: btree.NewG[*PriorityQueueFlow](8, priorityLess),
	}
	q.output.SenderInit(q.outputDone)
	q.schedJob = reactor.NewJob(q.schedule)
	return q
}

// PrepareFree inhibits new activations; see FairQueue.PrepareFree.
func (q *PriorityQueue) PrepareFree() {
	q.freeing = true
	q.r.Cancel(q.schedJob)
}

func (q *PriorityQueue) trySchedule() {
	if q.active == nil && !q.freeing && q.waiting.Len() > 0 {
		q.r.Schedule(q.schedJob)
	}
}

func (q *PriorityQueue) schedule() {
	if q.active != nil || q.freeing {
		return
	}
	f, ok := q.waiting.Min()
	if !ok {
		return
	}
	q.waiting.Delete(f)
	q.active = f
	q.output.Send(f.pending)
}

func (q *PriorityQueue) outputDone() {
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
	q.trySchedule()
}

// PriorityQueueFlow is one input flow of a PriorityQueue.
type PriorityQueueFlow struct {
	q           *PriorityQueue
	iface       *PacketPassInterface
	priority    int
	seq         uint64
	pending     []byte
	hasPacket   bool
	busyHandler func()
}

// NewFlow adds a flow with the given priority; lower values are served
// first.
func (q *PriorityQueue) NewFlow(priority int) *PriorityQueueFlow {
	f := &PriorityQueueFlow{q: q, priority: priority}
	f.iface = NewPacketPass(q.r, q.output.MTU(), f.handlerSend)
	return f
}

// Iface is the PacketPass interface the flow's sender submits to.
func (f *PriorityQueueFlow) Iface() *PacketPassInterface {
	return f.iface
}

func (f *PriorityQueueFlow) handlerSend(data []byte) {
	f.pending = data
	f.hasPacket = true
	f.q.seq++
	f.seq = f.q.seq
	f.q.waiting.ReplaceOrInsert(f)
	f.q.trySchedule()
}

// IsBusy reports whether the flow currently occupies the queue's output.
func (f *PriorityQueueFlow) IsBusy() bool {
	return f.q.active == f
}

// SetBusyHandler registers a callback invoked exactly once, on a reactor
// job, when the flow stops occupying the output. Valid only while busy.
func (f *PriorityQueueFlow) SetBusyHandler(handler func()) {
	if !f.IsBusy() {
		panic("flow: busy handler on a flow that is not busy")
	}
	f.busyHandler = handler
}

// Remove detaches a non-busy flow from the queue.
func (f *PriorityQueueFlow) Remove() {
	if f.IsBusy() {
		panic("flow: removing a busy flow")
	}
	f.q.waiting.Delete(f)
	f.hasPacket = false
	f.pending = nil
}
