//go:build linux

// ethcomm runs the TCP byte relay on a Linux network interface. The relay's
// stack owns its own hardware and IP address, so the interface should be put in
// promiscuous mode:
//
//	ip link set dev eth0 promisc on
//	ethcomm -i eth0 -mac 02:00:00:00:00:01
//
// Bytes received from the peer are written to stdout; stdin is sent to the peer.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"

	"github.com/pkg/errors"

	"github.com/soypat/ethcomm"
	"github.com/soypat/ethcomm/internal/tick"
	"github.com/soypat/ethcomm/lnetstack"
	"github.com/soypat/ethcomm/netloop"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "ethcomm - single connection TCP byte relay over a raw Ethernet interface.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	iface := flag.String("i", "eth0", "Network interface to bind.")
	flagMAC := flag.String("mac", "02:00:00:00:00:01", "Hardware address of the relay.")
	flagStatic := flag.String("static", "192.168.1.99/24", "Static IPv4 address with prefix length. Fallback address when DHCP is enabled.")
	flagGateway := flag.String("gw", "", "Gateway used with the static address.")
	port := flag.Uint("port", ethcomm.DefaultPort, "TCP port to listen on.")
	flagMode := flag.String("mode", "relay", "Connection mode: relay or echo.")
	useDHCP := flag.Bool("dhcp", true, "Acquire an address through DHCP before falling back to -static.")
	verbose := flag.Bool("v", false, "Log debug messages and a summary of every frame.")
	pcapFile := flag.String("pcap", "", "Write all frames to this pcap file.")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	err := run(logger, runConfig{
		iface:   *iface,
		mac:     *flagMAC,
		static:  *flagStatic,
		gateway: *flagGateway,
		port:    *port,
		mode:    *flagMode,
		dhcp:    *useDHCP,
		verbose: *verbose,
		pcap:    *pcapFile,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("ethcomm", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

type runConfig struct {
	iface, mac, static, gateway string
	port                        uint
	mode                        string
	dhcp                        bool
	verbose                     bool
	pcap                        string
}

func run(logger *slog.Logger, cfg runConfig) error {
	mode, err := parseMode(cfg.mode)
	if err != nil {
		return err
	}
	hw, err := parseMAC(cfg.mac)
	if err != nil {
		return err
	}
	static, err := parseStatic(cfg.static)
	if err != nil {
		return err
	}
	gw, err := parseGateway(cfg.gateway)
	if err != nil {
		return err
	}
	if cfg.port > 0xffff {
		return errors.Errorf("port %d out of range", cfg.port)
	} else if !cfg.dhcp && !static.IsValid() {
		return errors.New("need -static when -dhcp=false")
	}

	var dumper *frameDumper
	if cfg.verbose || cfg.pcap != "" {
		var fp *os.File
		if cfg.pcap != "" {
			fp, err = os.Create(cfg.pcap)
			if err != nil {
				return errors.Wrap(err, "pcap")
			}
			defer fp.Close()
		}
		dumper, err = newFrameDumper(fileOrNil(fp), lnetstack.MFU, cfg.verbose, logger)
		if err != nil {
			return err
		}
	}

	nic, err := openNIC(cfg.iface, hw)
	if err != nil {
		return err
	}
	defer nic.Close()

	scfg := lnetstack.StackConfig{
		Hostname:        "ethcomm",
		HardwareAddress: hw,
		RandSeed:        rand.Int63(),
		Logger:          logger,
	}
	if !cfg.dhcp {
		scfg.StaticAddress = static.Addr()
		scfg.Gateway = gw
	}
	if dumper != nil {
		scfg.OnFrame = dumper.dump
	}
	stack, err := lnetstack.NewStack(nic, scfg)
	if err != nil {
		return err
	}

	var srv ethcomm.Server
	err = srv.Configure(ethcomm.Config{Mode: mode, Logger: logger})
	if err != nil {
		return err
	}
	err = srv.Listen(stack, uint16(cfg.port))
	if err != nil {
		return err
	}

	lcfg := netloop.Config{
		Stack:  newBridge(stack, &srv, os.Stdin, os.Stdout),
		Logger: logger,
	}
	if cfg.dhcp {
		var poller netloop.DHCPPoller
		err = poller.Reset(netloop.DHCPConfig{
			Client: stack.DHCP(),
			Static: netloop.StaticConfig{Prefix: static, Gateway: gw},
			Logger: logger,
		})
		if err != nil {
			return err
		}
		lcfg.DHCP = &poller
	}
	var loop netloop.Loop
	err = loop.Reset(lcfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	logger.Info("ethcomm:start", slog.String("iface", cfg.iface), slog.String("mode", mode.String()), slog.Uint64("port", uint64(cfg.port)))
	err = loop.Run(ctx, tick.HostCounter(), 1e9)
	st := srv.Stats()
	logger.Info("ethcomm:stop",
		slog.Uint64("accepts", uint64(st.Accepts)),
		slog.Uint64("rejects", uint64(st.Rejects)),
		slog.Uint64("rx", uint64(st.Received)),
		slog.Uint64("tx", uint64(st.Sent)),
		slog.Uint64("rxoverwrites", uint64(st.RxOverwrites)),
	)
	return err
}

func fileOrNil(fp *os.File) io.Writer {
	if fp == nil {
		return nil
	}
	return fp
}
