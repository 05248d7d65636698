// Package device drives a TUN device through the reactor and exposes it as
// flow interfaces: packets read from the device come out of a PacketRecv
// producer, packets submitted to a PacketPass receiver are written to it.
package device

import (
	"fmt"
	"os"

	"github.com/songgao/water"
	"golang.org/x/sys/unix"

	"github.com/monasticacademy/tunsocks/pkg/blog"
	"github.com/monasticacademy/tunsocks/pkg/flow"
	"github.com/monasticacademy/tunsocks/pkg/reactor"
)

// Device is a TUN device attached to the reactor.
type Device struct {
	r            *reactor.Reactor
	tun          *water.Interface
	fd           int
	mtu          int
	errorHandler func()

	output *flow.PacketRecvInterface
	input  *flow.PacketPassInterface

	readBuf     []byte
	readPending bool

	writeData    []byte
	writePending bool

	wantEvents reactor.FdEvents
	dead       bool
}

// New attaches an open water TUN interface. errorHandler is called once if
// the device fails; the owner is expected to terminate.
func New(r *reactor.Reactor, tun *water.Interface, mtu int, errorHandler func()) (*Device, error) {
	file, ok := tun.ReadWriteCloser.(*os.File)
	if !ok {
		return nil, fmt.Errorf("tun device is not backed by a file")
	}
	fd := int(file.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("error setting tun device non-blocking: %w", err)
	}

	d := &Device{r: r, tun: tun, fd: fd, mtu: mtu, errorHandler: errorHandler}
	if err := r.AddFd(fd, 0, d.fdHandler); err != nil {
		return nil, err
	}
	d.output = flow.NewPacketRecv(r, mtu, d.handlerRecv)
	d.input = flow.NewPacketPass(r, mtu, d.handlerSend)
	return d, nil
}

// MTU reports the device MTU.
func (d *Device) MTU() int {
	return d.mtu
}

// Output produces packets read from the device.
func (d *Device) Output() *flow.PacketRecvInterface {
	return d.output
}

// Input accepts packets to write to the device.
func (d *Device) Input() *flow.PacketPassInterface {
	return d.input
}

// Free detaches from the reactor and closes the device.
func (d *Device) Free() {
	d.dead = true
	d.r.RemoveFd(d.fd)
	d.tun.Close()
}

func (d *Device) handlerRecv(buf []byte) {
	d.readBuf = buf
	d.readPending = true
	d.tryRead()
}

func (d *Device) handlerSend(data []byte) {
	d.writeData = data
	d.writePending = true
	d.tryWrite()
}

func (d *Device) tryRead() {
	if d.dead {
		return
	}
	n, err := unix.Read(d.fd, d.readBuf)
	if err == unix.EAGAIN || err == unix.EINTR || (err == nil && n == 0) {
		d.setEvents(d.wantEvents | reactor.Read)
		return
	}
	if err != nil {
		d.fail(err)
		return
	}
	d.readPending = false
	d.readBuf = nil
	d.output.Done(n)
}

func (d *Device) tryWrite() {
	if d.dead {
		return
	}
	_, err := unix.Write(d.fd, d.writeData)
	if err == unix.EAGAIN || err == unix.EINTR {
		d.setEvents(d.wantEvents | reactor.Write)
		return
	}
	if err != nil {
		// a failed write loses one packet, not the device
		blog.Warningf("device: error writing %d bytes: %v, dropping", len(d.writeData), err)
	}
	d.writePending = false
	d.writeData = nil
	d.input.Done()
}

func (d *Device) fdHandler(ready reactor.FdEvents) {
	if ready&reactor.Error != 0 {
		d.fail(fmt.Errorf("device reported broken"))
		return
	}
	if ready&reactor.Write != 0 {
		d.setEvents(d.wantEvents &^ reactor.Write)
		if d.writePending {
			d.tryWrite()
		}
	}
	if d.dead {
		return
	}
	if ready&reactor.Read != 0 {
		d.setEvents(d.wantEvents &^ reactor.Read)
		if d.readPending {
			d.tryRead()
		}
	}
}

func (d *Device) setEvents(events reactor.FdEvents) {
	if d.wantEvents == events {
		return
	}
	d.wantEvents = events
	d.r.SetFdEvents(d.fd, events)
}

func (d *Device) fail(err error) {
	if d.dead {
		return
	}
	blog.Errorf("device error: %v", err)
	d.dead = true
	d.errorHandler()
}
