package flow

import (
	"github.com/monasticacademy/tunsocks/pkg/reactor"
)

// BufferWriter is the producer end used by code that wants to push packets
// into a PacketBuffer without participating in interface callbacks: grab a
// slot with StartPacket, fill it, commit with EndPacket. StartPacket fails
// exactly when the buffer downstream has no worst-case slot free.
type BufferWriter struct {
	iface   *PacketRecvInterface
	mtu     int
	reqBuf  []byte
	haveReq bool
	writing bool
}

// NewBufferWriter creates a writer producing packets of at most mtu bytes.
func NewBufferWriter(r *reactor.Reactor, mtu int) *BufferWriter {
	w := &BufferWriter{mtu: mtu}
	w.iface = NewPacketRecv(r, mtu, w.handlerRecv)
	return w
}

// Output is the producer interface to connect to a PacketBuffer.
func (w *BufferWriter) Output() *PacketRecvInterface {
	return w.iface
}

func (w *BufferWriter) handlerRecv(buf []byte) {
	w.reqBuf = buf
	w.haveReq = true
}

// StartPacket returns an mtu-sized slot to write into, or nil if there is
// no room downstream.
func (w *BufferWriter) StartPacket() []byte {
	if w.writing {
		panic("flow: StartPacket while a packet is open")
	}
	if !w.haveReq {
		return nil
	}
	w.writing = true
	return w.reqBuf[:w.mtu]
}

// EndPacket commits n bytes of the slot returned by StartPacket. The commit
// is delivered downstream through a reactor job; callers inside
// non-reentrant library callbacks bracket it with a synchronize barrier.
func (w *BufferWriter) EndPacket(n int) {
	if !w.writing {
		panic("flow: EndPacket without StartPacket")
	}
	if n > w.mtu {
		panic("flow: EndPacket length over mtu")
	}
	w.writing = false
	w.haveReq = false
	w.reqBuf = nil
	w.iface.Done(n)
}

// PacketBuffer is a fixed-capacity FIFO of whole packets between a packet
// producer and a PacketPass consumer. It continuously offers free slots to
// the producer and drains committed packets downstream, so the two sides
// run fully decoupled.
type PacketBuffer struct {
	input       *PacketRecvInterface
	output      *PacketPassInterface
	slots       [][]byte
	lens        []int
	head        int
	count       int
	recvPending bool
	sendPending bool
}

// NewPacketBuffer creates a buffer of capacity packets and starts both
// sides of the pump.
func NewPacketBuffer(input *PacketRecvInterface, output *PacketPassInterface, packets int) *PacketBuffer {
	if output.MTU() < input.MTU() {
		panic("flow: output mtu smaller than input mtu")
	}
	if packets < 1 {
		panic("flow: packet buffer needs capacity")
	}
	b := &PacketBuffer{
		input:  input,
		output: output,
		slots:  make([][]byte, packets),
		lens:   make([]int, packets),
	}
	for i := range b.slots {
		b.slots[i] = make([]byte, input.MTU())
	}
	b.input.ReceiverInit(b.inputDone)
	b.output.SenderInit(b.outputDone)
	b.startRecv()
	return b
}

func (b *PacketBuffer) startRecv() {
	if b.recvPending || b.count == len(b.slots) {
		return
	}
	b.recvPending = true
	b.input.Recv(b.slots[(b.head+b.count)%len(b.slots)])
}

func (b *PacketBuffer) startSend() {
	if b.sendPending || b.count == 0 {
		return
	}
	b.sendPending = true
	b.output.Send(b.slots[b.head][:b.lens[b.head]])
}

func (b *PacketBuffer) inputDone(n int) {
	b.recvPending = false
	b.lens[(b.head+b.count)%len(b.slots)] = n
	b.count++
	b.startSend()
	b.startRecv()
}

func (b *PacketBuffer) outputDone() {
	b.sendPending = false
	b.head = (b.head + 1) % len(b.slots)
	b.count--
	b.startSend()
	b.startRecv()
}
