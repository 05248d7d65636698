// Package flow defines the typed push interfaces every packet and stream
// component plugs into, plus the buffering and multiplexing adapters built
// from them. Each interface pairs one sender with one receiver and carries
// at most one outstanding operation; completion is always delivered through
// a reactor job, never synchronously from the initiating call, so a whole
// pipeline can be driven from the top without re-entrance.
package flow

import (
	"github.com/monasticacademy/tunsocks/pkg/reactor"
)

// PacketPassInterface moves whole packets from a sender to a receiver.
// The receiver is bound at construction; the sender binds its done handler
// with SenderInit. The buffer passed to Send must stay unmodified until the
// sender's done handler fires.
type PacketPassInterface struct {
	r           *reactor.Reactor
	mtu         int
	handlerSend func(data []byte)
	handlerDone func()
	doneJob     *reactor.Job
	busy        bool
}

// NewPacketPass creates the receiver side of a packet-pass interface.
// handlerSend is invoked once per Send with the packet.
func NewPacketPass(r *reactor.Reactor, mtu int, handlerSend func(data []byte)) *PacketPassInterface {
	i := &PacketPassInterface{r: r, mtu: mtu, handlerSend: handlerSend}
	i.doneJob = reactor.NewJob(func() {
		i.busy = false
		i.handlerDone()
	})
	return i
}

// SenderInit binds the sender's done handler. May be called again while no
// operation is outstanding, which is how a component hands a lower
// interface to a new owner.
func (i *PacketPassInterface) SenderInit(handlerDone func()) {
	if i.busy {
		panic("flow: sender re-init with operation outstanding")
	}
	i.handlerDone = handlerDone
}

// MTU reports the maximum packet length the receiver accepts.
func (i *PacketPassInterface) MTU() int {
	return i.mtu
}

// Send submits one packet. Only one operation may be outstanding.
func (i *PacketPassInterface) Send(data []byte) {
	if i.busy {
		panic("flow: packet send with operation outstanding")
	}
	if len(data) > i.mtu {
		panic("flow: packet longer than mtu")
	}
	i.busy = true
	i.handlerSend(data)
}

// Done is called by the receiver when the packet has been consumed.
func (i *PacketPassInterface) Done() {
	i.r.Schedule(i.doneJob)
}

// PacketRecvInterface moves whole packets from a producer to a receiver
// that supplies the buffer. The producer is bound at construction; the
// receiver binds its done handler with ReceiverInit.
type PacketRecvInterface struct {
	r           *reactor.Reactor
	mtu         int
	handlerRecv func(buf []byte)
	handlerDone func(n int)
	doneJob     *reactor.Job
	doneLen     int
	busy        bool
}

// NewPacketRecv creates the producer side of a packet-recv interface.
// handlerRecv is invoked once per Recv with the buffer to fill.
func NewPacketRecv(r *reactor.Reactor, mtu int, handlerRecv func(buf []byte)) *PacketRecvInterface {
	i := &PacketRecvInterface{r: r, mtu: mtu, handlerRecv: handlerRecv}
	i.doneJob = reactor.NewJob(func() {
		i.busy = false
		i.handlerDone(i.doneLen)
	})
	return i
}

// ReceiverInit binds the receiver's done handler.
func (i *PacketRecvInterface) ReceiverInit(handlerDone func(n int)) {
	if i.busy {
		panic("flow: receiver re-init with operation outstanding")
	}
	i.handlerDone = handlerDone
}

// MTU reports the maximum packet length the producer may write.
func (i *PacketRecvInterface) MTU() int {
	return i.mtu
}

// Recv asks the producer to fill buf with the next packet.
func (i *PacketRecvInterface) Recv(buf []byte) {
	if i.busy {
		panic("flow: packet recv with operation outstanding")
	}
	if len(buf) < i.mtu {
		panic("flow: recv buffer shorter than mtu")
	}
	i.busy = true
	i.handlerRecv(buf)
}

// Done is called by the producer once it has written n bytes.
func (i *PacketRecvInterface) Done(n int) {
	i.doneLen = n
	i.r.Schedule(i.doneJob)
}

// StreamPassInterface moves bytes from a sender to a receiver that may
// consume them partially; the done handler reports how much was taken and
// the sender re-submits the tail.
type StreamPassInterface struct {
	r           *reactor.Reactor
	handlerSend func(data []byte)
	handlerDone func(consumed int)
	doneJob     *reactor.Job
	doneLen     int
	busy        bool
}

// NewStreamPass creates the receiver side of a stream-pass interface.
func NewStreamPass(r *reactor.Reactor, handlerSend func(data []byte)) *StreamPassInterface {
	i := &StreamPassInterface{r: r, handlerSend: handlerSend}
	i.doneJob = reactor.NewJob(func() {
		i.busy = false
		i.handlerDone(i.doneLen)
	})
	return i
}

// SenderInit binds (or re-binds, while idle) the sender's done handler.
func (i *StreamPassInterface) SenderInit(handlerDone func(consumed int)) {
	if i.busy {
		panic("flow: sender re-init with operation outstanding")
	}
	i.handlerDone = handlerDone
}

// Send submits len(data) >= 1 bytes.
func (i *StreamPassInterface) Send(data []byte) {
	if i.busy {
		panic("flow: stream send with operation outstanding")
	}
	if len(data) == 0 {
		panic("flow: empty stream send")
	}
	i.busy = true
	i.handlerSend(data)
}

// Done is called by the receiver with 1 <= consumed <= len(data).
func (i *StreamPassInterface) Done(consumed int) {
	i.doneLen = consumed
	i.r.Schedule(i.doneJob)
}

// StreamRecvInterface moves bytes from a producer into a receiver-supplied
// buffer; the done handler reports how many bytes (>= 1) were produced.
type StreamRecvInterface struct {
	r           *reactor.Reactor
	handlerRecv func(buf []byte)
	handlerDone func(n int)
	doneJob     *reactor.Job
	doneLen     int
	busy        bool
}

// NewStreamRecv creates the producer side of a stream-recv interface.
func NewStreamRecv(r *reactor.Reactor, handlerRecv func(buf []byte)) *StreamRecvInterface {
	i := &StreamRecvInterface{r: r, handlerRecv: handlerRecv}
	i.doneJob = reactor.NewJob(func() {
		i.busy = false
		i.handlerDone(i.doneLen)
	})
	return i
}

// ReceiverInit binds (or re-binds, while idle) the receiver's done handler.
func (i *StreamRecvInterface) ReceiverInit(handlerDone func(n int)) {
	if i.busy {
		panic("flow: receiver re-init with operation outstanding")
	}
	i.handlerDone = handlerDone
}

// Recv asks the producer for at least 1 and at most len(buf) bytes.
func (i *StreamRecvInterface) Recv(buf []byte) {
	if i.busy {
		panic("flow: stream recv with operation outstanding")
	}
	if len(buf) == 0 {
		panic("flow: empty stream recv buffer")
	}
	i.busy = true
	i.handlerRecv(buf)
}

// Done is called by the producer once it has written n >= 1 bytes.
func (i *StreamRecvInterface) Done(n int) {
	i.doneLen = n
	i.r.Schedule(i.doneJob)
}
