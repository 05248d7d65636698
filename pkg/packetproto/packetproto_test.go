package packetproto

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/monasticacademy/tunsocks/pkg/flow"
	"github.com/monasticacademy/tunsocks/pkg/reactor"
)

func runUntil(t *testing.T, r *reactor.Reactor, script func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var poll *reactor.Timer
	poll = reactor.NewTimer(func() {
		if script() {
			r.Quit(0)
			return
		}
		if time.Now().After(deadline) {
			r.Quit(2)
			return
		}
		r.SetTimer(poll, time.Millisecond)
	})
	r.SetTimer(poll, time.Millisecond)
	if code := r.Run(); code == 2 {
		t.Fatal("timed out waiting for condition")
	}
}

func newReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Close)
	return r
}

// streamFeeder produces a fixed byte stream in dribbles of at most chunk
// bytes per request, which exercises records split across deliveries.
type streamFeeder struct {
	iface *flow.StreamRecvInterface
	data  []byte
	chunk int
	buf   []byte
}

func newStreamFeeder(r *reactor.Reactor, data []byte, chunk int) *streamFeeder {
	f := &streamFeeder{data: data, chunk: chunk}
	f.iface = flow.NewStreamRecv(r, func(buf []byte) {
		f.buf = buf
	})
	return f
}

// feed satisfies a pending request if stream bytes remain; returns true
// if it delivered something.
func (f *streamFeeder) feed() bool {
	if f.buf == nil || len(f.data) == 0 {
		return false
	}
	n := len(f.buf)
	if n > f.chunk {
		n = f.chunk
	}
	n = copy(f.buf[:n], f.data)
	f.data = f.data[n:]
	f.buf = nil
	f.iface.Done(n)
	return true
}

func wire(packets ...[]byte) []byte {
	var out []byte
	for _, p := range packets {
		var hdr [HeaderLen]byte
		binary.LittleEndian.PutUint16(hdr[:], uint16(len(p)))
		out = append(out, hdr[:]...)
		out = append(out, p...)
	}
	return out
}

func TestDecoderFramesRecords(t *testing.T) {
	packets := [][]byte{
		[]byte("hello"),
		{}, // empty record
		[]byte("a somewhat longer record that spans several reads"),
		{0x00, 0xff, 0x7f},
	}

	// dribble sizes chosen to split headers and payloads across reads
	for _, chunk := range []int{1, 2, 3, 7, 64} {
		r := newReactor(t)
		feeder := newStreamFeeder(r, wire(packets...), chunk)

		var got [][]byte
		var out *flow.PacketPassInterface
		out = flow.NewPacketPass(r, 64, func(data []byte) {
			cp := make([]byte, len(data))
			copy(cp, data)
			got = append(got, cp)
			out.Done()
		})

		NewDecoder(feeder.iface, out, func() {
			t.Errorf("chunk %d: unexpected decode failure", chunk)
		})

		runUntil(t, r, func() bool {
			feeder.feed()
			return len(got) == len(packets)
		})

		for i := range packets {
			if !bytes.Equal(got[i], packets[i]) {
				t.Fatalf("chunk %d: record %d = %q, want %q", chunk, i, got[i], packets[i])
			}
		}
	}
}

func TestDecoderFailsOnOversizeLength(t *testing.T) {
	r := newReactor(t)

	// mtu 64 but the prefix says 0xFFFF
	stream := []byte{0xff, 0xff}
	stream = append(stream, bytes.Repeat([]byte{0xaa}, 32)...)
	feeder := newStreamFeeder(r, stream, 8)

	delivered := 0
	var out *flow.PacketPassInterface
	out = flow.NewPacketPass(r, 64, func(data []byte) {
		delivered++
		out.Done()
	})

	failures := 0
	NewDecoder(feeder.iface, out, func() {
		failures++
	})

	runUntil(t, r, func() bool {
		feeder.feed()
		return failures > 0
	})

	if failures != 1 {
		t.Fatalf("fail handler ran %d times, want 1", failures)
	}
	if delivered != 0 {
		t.Fatalf("%d records delivered after oversize prefix", delivered)
	}
}

func TestEncoderDecoderRoundTrip(t *testing.T) {
	r := newReactor(t)
	const mtu = 64

	// encoder output feeds the decoder input through an in-memory stream
	// that delivers in awkward 5-byte chunks
	var pipe []byte
	var pending []byte

	var decoderIn *flow.StreamRecvInterface
	decoderIn = flow.NewStreamRecv(r, func(buf []byte) {
		pending = buf
	})
	pump := func() bool {
		if pending == nil || len(pipe) == 0 {
			return false
		}
		n := len(pending)
		if n > 5 {
			n = 5
		}
		n = copy(pending[:n], pipe)
		pipe = pipe[n:]
		pending = nil
		decoderIn.Done(n)
		return true
	}

	var encoderOut *flow.StreamPassInterface
	encoderOut = flow.NewStreamPass(r, func(data []byte) {
		// consume partially to exercise tail resubmission
		n := len(data)
		if n > 7 {
			n = 7
		}
		pipe = append(pipe, data[:n]...)
		encoderOut.Done(n)
	})

	enc := NewEncoder(r, mtu, encoderOut)

	var got [][]byte
	var decoderOut *flow.PacketPassInterface
	decoderOut = flow.NewPacketPass(r, mtu, func(data []byte) {
		cp := make([]byte, len(data))
		copy(cp, data)
		got = append(got, cp)
		decoderOut.Done()
	})
	NewDecoder(decoderIn, decoderOut, func() {
		t.Error("unexpected decode failure")
	})

	want := [][]byte{
		[]byte("first"),
		[]byte("second record"),
		{},
		bytes.Repeat([]byte{0x42}, mtu),
	}

	sent := 0
	enc.Input().SenderInit(func() {
		sent++
		if sent < len(want) {
			enc.Input().Send(want[sent])
		}
	})
	r.Schedule(reactor.NewJob(func() {
		enc.Input().Send(want[0])
	}))

	runUntil(t, r, func() bool {
		pump()
		return len(got) == len(want)
	})

	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("record %d = %q, want %q", i, got[i], want[i])
		}
	}
}
