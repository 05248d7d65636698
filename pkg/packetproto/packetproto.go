// Package packetproto frames packets onto byte streams: each record is a
// 16-bit little-endian length followed by that many payload bytes. Decoder
// and Encoder are exact inverses for any packet sequence within the MTU.
package packetproto

import (
	"encoding/binary"

	"github.com/monasticacademy/tunsocks/pkg/flow"
	"github.com/monasticacademy/tunsocks/pkg/reactor"
)

// HeaderLen is the size of the length prefix.
const HeaderLen = 2

// MaxPayload is the largest length the prefix can express.
const MaxPayload = 1<<16 - 1

// Decoder turns a byte stream into packets. It reads from a StreamRecv
// input and delivers each complete record to a PacketPass output. A record
// longer than the output MTU fires the fail handler once and stops the
// decoder for good.
type Decoder struct {
	input  *flow.StreamRecvInterface
	output *flow.PacketPassInterface
	mtu    int
	buf    []byte
	used   int
	onFail func()
	failed bool
}

// NewDecoder wires input to output and starts reading. onFail is invoked at
// most once, on an oversize length prefix.
func NewDecoder(input *flow.StreamRecvInterface, output *flow.PacketPassInterface, onFail func()) *Decoder {
	if output.MTU() > MaxPayload {
		panic("packetproto: output mtu not expressible in header")
	}
	d := &Decoder{
		input:  input,
		output: output,
		mtu:    output.MTU(),
		buf:    make([]byte, output.MTU()+HeaderLen),
		onFail: onFail,
	}
	d.input.ReceiverInit(d.inputDone)
	d.output.SenderInit(d.outputDone)
	d.input.Recv(d.buf[d.used:])
	return d
}

func (d *Decoder) inputDone(n int) {
	d.used += n
	d.process()
}

func (d *Decoder) process() {
	if d.failed {
		return
	}
	if d.used < HeaderLen {
		d.input.Recv(d.buf[d.used:])
		return
	}
	length := int(binary.LittleEndian.Uint16(d.buf))
	if length > d.mtu {
		d.failed = true
		d.onFail()
		return
	}
	if d.used < HeaderLen+length {
		d.input.Recv(d.buf[d.used:])
		return
	}
	d.output.Send(d.buf[HeaderLen : HeaderLen+length])
}

func (d *Decoder) outputDone() {
	length := int(binary.LittleEndian.Uint16(d.buf))
	consumed := HeaderLen + length
	copy(d.buf, d.buf[consumed:d.used])
	d.used -= consumed
	d.process()
}

// Encoder turns packets into a byte stream: the inverse of Decoder. It
// accepts packets on a PacketPass input and writes each, prefixed with its
// length, to a StreamPass output, re-submitting the tail on partial
// consumption.
type Encoder struct {
	input  *flow.PacketPassInterface
	output *flow.StreamPassInterface
	buf    []byte
	n      int
	sent   int
}

// NewEncoder creates an encoder accepting packets of at most mtu bytes and
// writing the framed stream to output.
func NewEncoder(r *reactor.Reactor, mtu int, output *flow.StreamPassInterface) *Encoder {
	if mtu > MaxPayload {
		panic("packetproto: mtu not expressible in header")
	}
	e := &Encoder{
		output: output,
		buf:    make([]byte, mtu+HeaderLen),
	}
	e.input = flow.NewPacketPass(r, mtu, e.handlerSend)
	e.output.SenderInit(e.outputDone)
	return e
}

// Input is where packet senders submit records to encode.
func (e *Encoder) Input() *flow.PacketPassInterface {
	return e.input
}

func (e *Encoder) handlerSend(data []byte) {
	binary.LittleEndian.PutUint16(e.buf, uint16(len(data)))
	copy(e.buf[HeaderLen:], data)
	e.n = HeaderLen + len(data)
	e.sent = 0
	e.output.Send(e.buf[:e.n])
}

func (e *Encoder) outputDone(consumed int) {
	e.sent += consumed
	if e.sent < e.n {
		e.output.Send(e.buf[e.sent:e.n])
		return
	}
	e.input.Done()
}
