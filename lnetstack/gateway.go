package lnetstack

import (
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"
)

const (
	arpTimeout = 500 * time.Millisecond
	arpRetries = 4
	// retryPoll is the polling period of lneto's retrying helpers.
	retryPoll = 5 * time.Millisecond
)

// gateway tracks the router's hardware address. Resolution runs lneto's
// blocking ARP helper on its own goroutine while the loop keeps pumping frames.
type gateway struct {
	mu        sync.Mutex
	addr      netip.Addr
	hw        [6]byte
	resolved  bool
	resolving bool
	age       int
}

// set changes the gateway address and marks it for resolution on the next ARP tick.
func (gw *gateway) set(addr netip.Addr) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if addr != gw.addr {
		gw.resolved = false
	}
	gw.addr = addr
	gw.age = gatewayMaxAge
}

// HardwareAddr returns the resolved gateway hardware address.
func (gw *gateway) HardwareAddr() ([6]byte, bool) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.hw, gw.resolved
}

// tickAge is called on every ARP tick and starts a resolution once the entry is stale.
func (gw *gateway) tickAge(stack *Stack) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if !gw.addr.IsValid() || gw.resolving {
		return
	}
	gw.age++
	if gw.age < gatewayMaxAge {
		return
	}
	gw.resolving = true
	go gw.resolve(stack, gw.addr)
}

func (gw *gateway) resolve(stack *Stack, addr netip.Addr) {
	rstack := stack.s.StackRetrying(retryPoll)
	hw, err := rstack.DoResolveHardwareAddress6(addr, arpTimeout, arpRetries)
	gw.mu.Lock()
	defer gw.mu.Unlock()
	gw.resolving = false
	if err != nil {
		stack.debug("gateway:resolve", slog.String("addr", addr.String()), slog.String("err", err.Error()))
		return
	} else if addr != gw.addr {
		return // Gateway changed while resolving.
	}
	stack.s.SetGateway6(hw)
	gw.hw = hw
	gw.resolved = true
	gw.age = 0
	stack.info("gateway:resolved", slog.String("addr", addr.String()), slog.String("hw", net.HardwareAddr(hw[:]).String()))
}

func addrString(b []byte) string {
	addr, ok := netip.AddrFromSlice(b)
	if !ok {
		return "<invalid>"
	}
	return addr.String()
}
