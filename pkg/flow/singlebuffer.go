package flow

// SinglePacketBuffer couples a packet producer to a packet consumer through
// a single packet of storage: strictly one packet in flight, strictly in
// order. It is the coupler on the device read path.
type SinglePacketBuffer struct {
	input  *PacketRecvInterface
	output *PacketPassInterface
	buf    []byte
}

// NewSinglePacketBuffer wires input to output and starts the pump. The
// output must accept packets at least as large as the input produces.
func NewSinglePacketBuffer(input *PacketRecvInterface, output *PacketPassInterface) *SinglePacketBuffer {
	if output.MTU() < input.MTU() {
		panic("flow: output mtu smaller than input mtu")
	}
	b := &SinglePacketBuffer{
		input:  input,
		output: output,
		buf:    make([]byte, input.MTU()),
	}
	b.input.ReceiverInit(b.inputDone)
	b.output.SenderInit(b.outputDone)
	b.input.Recv(b.buf)
	return b
}

func (b *SinglePacketBuffer) inputDone(n int) {
	b.output.Send(b.buf[:n])
}

func (b *SinglePacketBuffer) outputDone() {
	b.input.Recv(b.buf)
}
