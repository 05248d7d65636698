package main

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/netip"
	"os"

	"github.com/alexflint/go-arg"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mdlayher/packet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/rawfile"

	"github.com/monasticacademy/tunsocks/pkg/blog"
	"github.com/monasticacademy/tunsocks/pkg/device"
	"github.com/monasticacademy/tunsocks/pkg/metrics"
	"github.com/monasticacademy/tunsocks/pkg/reactor"
	"github.com/monasticacademy/tunsocks/pkg/tun2socks"
)

func Main() error {
	var args struct {
		Loglevel        int    `arg:"--loglevel,env:TUNSOCKS_LOGLEVEL" default:"3" help:"log level, 0 (none) to 5 (debug)"`
		Stderr          bool   `arg:"env:TUNSOCKS_LOG_TO_STDERR" help:"log to standard error (default is standard out)"`
		Tundev          string `arg:"--tundev" default:"tunsocks" help:"name of the TUN device to create"`
		NetifIpaddr     string `arg:"--netif-ipaddr,env:TUNSOCKS_NETIF_IPADDR,required" help:"IP address of the internal interface, a.b.c.d"`
		NetifNetmask    string `arg:"--netif-netmask,env:TUNSOCKS_NETIF_NETMASK" default:"255.255.255.0" help:"netmask of the internal interface"`
		SocksServerAddr string `arg:"--socks-server-addr,env:TUNSOCKS_SOCKS_SERVER,required" help:"SOCKS5 server, a.b.c.d:port or [v6]:port"`
		DumpTCP         bool   `arg:"--dump-tcp,env:TUNSOCKS_DUMP_TCP" help:"dump TCP packets seen on the device to standard out"`
		Metrics         string `arg:"--metrics,env:TUNSOCKS_METRICS" help:"address and port to serve prometheus metrics on"`
	}
	arg.MustParse(&args)

	if args.Stderr {
		log.SetOutput(os.Stderr)
	}
	blog.SetLevel(args.Loglevel)

	// parse addresses before touching the system
	netifAddr, err := netip.ParseAddr(args.NetifIpaddr)
	if err != nil || !netifAddr.Is4() {
		return fmt.Errorf("error parsing --netif-ipaddr %q: must be an IPv4 address", args.NetifIpaddr)
	}
	netifMask, err := netip.ParseAddr(args.NetifNetmask)
	if err != nil || !netifMask.Is4() {
		return fmt.Errorf("error parsing --netif-netmask %q: must be an IPv4 mask", args.NetifNetmask)
	}
	socksAddr, err := netip.ParseAddrPort(args.SocksServerAddr)
	if err != nil {
		return fmt.Errorf("error parsing --socks-server-addr %q: %w", args.SocksServerAddr, err)
	}

	blog.Noticef("initializing tunsocks")

	// create the tun device
	tun, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: args.Tundev,
		},
	})
	if err != nil {
		return fmt.Errorf("error creating tun device: %w", err)
	}

	// find the link for the device we just created and bring it up
	link, err := netlink.LinkByName(args.Tundev)
	if err != nil {
		return fmt.Errorf("error finding link for new tun device %q: %w", args.Tundev, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("error bringing up link for %q: %w", args.Tundev, err)
	}

	// assign the internal address to the link
	maskBytes := netifMask.As4()
	ones, bits := net.IPMask(maskBytes[:]).Size()
	if bits == 0 {
		return fmt.Errorf("error parsing --netif-netmask %q: not a contiguous mask", args.NetifNetmask)
	}
	addrBytes := netifAddr.As4()
	err = netlink.AddrAdd(link, &netlink.Addr{
		IPNet: &net.IPNet{IP: addrBytes[:], Mask: net.CIDRMask(ones, bits)},
	})
	if err != nil {
		return fmt.Errorf("error assigning address to tun device: %w", err)
	}

	// get maximum transmission unit for the tun device
	mtu, err := rawfile.GetMTU(args.Tundev)
	if err != nil {
		return fmt.Errorf("error getting MTU: %w", err)
	}

	// if --dump-tcp was provided then start watching everything
	if args.DumpTCP {
		if err := dumpTCP(args.Tundev); err != nil {
			return err
		}
	}

	// create the reactor; everything below runs on it
	r, err := reactor.New()
	if err != nil {
		return fmt.Errorf("error creating reactor: %w", err)
	}

	var engine *tun2socks.Engine

	// attach the device to the reactor
	dev, err := device.New(r, tun, int(mtu), func() {
		engine.Terminate()
	})
	if err != nil {
		return fmt.Errorf("error attaching tun device: %w", err)
	}

	// build the engine on top of the device
	engine, err = tun2socks.New(tun2socks.Config{
		Reactor:      r,
		DeviceInput:  dev.Input(),
		DeviceOutput: dev.Output(),
		MTU:          int(mtu),
		NetifAddr:    netifAddr,
		NetifNetmask: netifMask,
		SocksServer:  socksAddr,
	})
	if err != nil {
		return fmt.Errorf("error creating engine: %w", err)
	}

	// deliver SIGINT and SIGTERM as reactor callbacks through a pipe
	if err := installSignalHandler(r, func() {
		blog.Noticef("termination requested")
		engine.Terminate()
	}); err != nil {
		return fmt.Errorf("error installing signal handler: %w", err)
	}

	// serve prometheus metrics if requested
	if args.Metrics != "" {
		prometheus.MustRegister(metrics.NewCollector("tunsocks_", engine.Stats()))
		go func() {
			blog.Noticef("serving metrics on %v", args.Metrics)
			if err := http.ListenAndServe(args.Metrics, promhttp.Handler()); err != nil {
				blog.Errorf("metrics server: %v", err)
			}
		}()
	}

	blog.Noticef("entering event loop")
	code := r.Run()

	engine.Shutdown()
	dev.Free()
	r.Close()

	blog.Noticef("exiting")
	if code != 0 {
		os.Exit(code)
	}
	return nil
}

// dumpTCP listens for raw packets on the device in promiscuous mode and
// prints a one-line summary of each TCP packet, with a full dump at debug
// level.
func dumpTCP(ifaceName string) error {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return err
	}

	// packet.Raw means listen for raw IP packets (requires root permissions)
	conn, err := packet.Listen(iface, packet.Raw, unix.ETH_P_ALL, nil)
	if err != nil {
		if errors.Is(err, unix.EPERM) {
			return fmt.Errorf("you need root permissions to read raw packets (%w)", err)
		}
		return fmt.Errorf("error listening for raw packets: %w", err)
	}
	if err := conn.SetPromiscuous(true); err != nil {
		return fmt.Errorf("error setting promiscuous mode: %w", err)
	}

	go func() {
		buf := make([]byte, iface.MTU)
		for {
			n, _, err := conn.ReadFrom(buf)
			if err != nil {
				log.Printf("error reading raw packet: %v, aborting dump", err)
				return
			}

			pkt := gopacket.NewPacket(buf[:n], layers.LayerTypeIPv4, gopacket.NoCopy)
			ipv4, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
			if !ok {
				continue
			}
			tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
			if !ok {
				continue
			}
			log.Println(summarizeTCP(ipv4, tcp))
			if blog.Level() >= blog.LevelDebug {
				log.Println(pkt.Dump())
			}
		}
	}()
	return nil
}

// installSignalHandler forwards SIGINT and SIGTERM into the reactor: a
// goroutine writes to a pipe whose read end is a reactor fd.
func installSignalHandler(r *reactor.Reactor, handler func()) error {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return err
	}
	fired := false
	err := r.AddFd(fds[0], reactor.Read, func(ready reactor.FdEvents) {
		var b [8]byte
		unix.Read(fds[0], b[:])
		if !fired {
			fired = true
			handler()
		}
	})
	if err != nil {
		return err
	}
	go waitForSignals(fds[1])
	return nil
}

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(0)
	err := Main()
	if err != nil {
		log.Fatal(err)
	}
}
