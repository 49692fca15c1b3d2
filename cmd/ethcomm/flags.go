package main

import (
	"net"
	"net/netip"
	"strings"

	"github.com/pkg/errors"

	"github.com/soypat/ethcomm"
)

func parseMode(s string) (ethcomm.Mode, error) {
	switch strings.ToLower(s) {
	case "relay", "":
		return ethcomm.ModeRelay, nil
	case "echo":
		return ethcomm.ModeEcho, nil
	}
	return 0, errors.Errorf("unknown mode %q, want relay or echo", s)
}

func parseMAC(s string) (hw [6]byte, err error) {
	mac, err := net.ParseMAC(s)
	if err != nil {
		return hw, errors.Wrap(err, "mac")
	} else if len(mac) != 6 {
		return hw, errors.Errorf("mac %q is not EUI-48", s)
	}
	return [6]byte(mac), nil
}

// parseStatic parses an IPv4 prefix such as 192.168.1.99/24. An empty string
// yields the zero prefix.
func parseStatic(s string) (netip.Prefix, error) {
	if s == "" {
		return netip.Prefix{}, nil
	}
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return prefix, errors.Wrap(err, "static")
	} else if !prefix.Addr().Is4() {
		return prefix, errors.Errorf("static %q is not IPv4", s)
	}
	return prefix, nil
}

func parseGateway(s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return addr, errors.Wrap(err, "gateway")
	} else if !addr.Is4() {
		return addr, errors.Errorf("gateway %q is not IPv4", s)
	}
	return addr, nil
}
