package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
)

// frameDumper writes frames to a pcap file and logs a one line summary of each.
type frameDumper struct {
	w       *pcapgo.Writer
	log     *slog.Logger
	verbose bool
}

func newFrameDumper(out io.Writer, snaplen uint32, verbose bool, logger *slog.Logger) (*frameDumper, error) {
	d := &frameDumper{log: logger, verbose: verbose}
	if out != nil {
		d.w = pcapgo.NewWriter(out)
		err := d.w.WriteFileHeader(snaplen, layers.LinkTypeEthernet)
		if err != nil {
			return nil, errors.Wrap(err, "pcap header")
		}
	}
	return d, nil
}

func (d *frameDumper) dump(direction string, frame []byte) {
	if d.w != nil {
		err := d.w.WritePacket(gopacket.CaptureInfo{
			Timestamp:     time.Now(),
			CaptureLength: len(frame),
			Length:        len(frame),
		}, frame)
		if err != nil {
			d.log.Error("pcap:write", slog.String("err", err.Error()))
		}
	}
	if d.verbose {
		d.log.Debug(direction, slog.Int("len", len(frame)), slog.String("frame", summarize(frame)))
	}
}

// summarize describes the outermost interesting layers of an Ethernet frame.
func summarize(frame []byte) string {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	var b strings.Builder
	if arp, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP); ok {
		op := "reply"
		if arp.Operation == layers.ARPRequest {
			op = "request"
		}
		fmt.Fprintf(&b, "ARP %s %s>%s", op, ipString(arp.SourceProtAddress), ipString(arp.DstProtAddress))
		return b.String()
	}
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		if eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet); ok {
			return fmt.Sprintf("%s %s>%s", eth.EthernetType, eth.SrcMAC, eth.DstMAC)
		}
		return "malformed"
	}
	switch {
	case pkt.Layer(layers.LayerTypeTCP) != nil:
		tcp := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		fmt.Fprintf(&b, "TCP %s:%d>%s:%d [%s] seq=%d ack=%d len=%d",
			ip.SrcIP, tcp.SrcPort, ip.DstIP, tcp.DstPort, tcpFlags(tcp), tcp.Seq, tcp.Ack, len(tcp.Payload))
	case pkt.Layer(layers.LayerTypeDHCPv4) != nil:
		dhcp := pkt.Layer(layers.LayerTypeDHCPv4).(*layers.DHCPv4)
		fmt.Fprintf(&b, "DHCP %s xid=%#x %s>%s", dhcpMsgType(dhcp), dhcp.Xid, ip.SrcIP, ip.DstIP)
	case pkt.Layer(layers.LayerTypeUDP) != nil:
		udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		fmt.Fprintf(&b, "UDP %s:%d>%s:%d len=%d", ip.SrcIP, udp.SrcPort, ip.DstIP, udp.DstPort, len(udp.Payload))
	default:
		fmt.Fprintf(&b, "%s %s>%s", ip.Protocol, ip.SrcIP, ip.DstIP)
	}
	return b.String()
}

func tcpFlags(tcp *layers.TCP) string {
	var flags []string
	for _, f := range []struct {
		set  bool
		name string
	}{
		{tcp.SYN, "SYN"}, {tcp.FIN, "FIN"}, {tcp.RST, "RST"}, {tcp.PSH, "PSH"}, {tcp.ACK, "ACK"},
	} {
		if f.set {
			flags = append(flags, f.name)
		}
	}
	return strings.Join(flags, ",")
}

func dhcpMsgType(dhcp *layers.DHCPv4) string {
	for _, opt := range dhcp.Options {
		if opt.Type == layers.DHCPOptMessageType && len(opt.Data) == 1 {
			return layers.DHCPMsgType(opt.Data[0]).String()
		}
	}
	return dhcp.Operation.String()
}

func ipString(b []byte) string {
	if len(b) != 4 {
		return "?"
	}
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
}
