package lnetstack

import (
	"errors"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/soypat/ethcomm/netloop"
)

const (
	// dhcpFirstTimeout is the timeout of the first DHCP attempt. Each further
	// attempt doubles it up to dhcpMaxTimeout.
	dhcpFirstTimeout = 2 * time.Second
	dhcpMaxTimeout   = 60 * time.Second
	coarseSeconds    = netloop.DHCPCoarseInterval / 1000
)

var errDHCPRunning = errors.New("lnetstack: DHCP already running")

// DHCPClient implements [netloop.DHCPClient] with lneto's DHCPv4 client.
// Each attempt runs lneto's blocking DHCP helper on a goroutine; the poller
// observes the attempt count and the outcome through atomics.
type DHCPClient struct {
	stack *Stack
	// RequestedAddr is the address asked for in the first request. May be unset.
	RequestedAddr netip.Addr

	tries    atomic.Int32
	stop     atomic.Bool
	running  atomic.Bool
	assigned atomic.Pointer[netip.Addr]
	renewal  atomic.Uint32 // [seconds]

	// Loop side state.
	lastTries int32
	leaseAge  uint32 // [seconds]
}

var _ netloop.DHCPClient = (*DHCPClient)(nil)

// Start implements [netloop.DHCPClient].
func (c *DHCPClient) Start() error {
	if !c.running.CompareAndSwap(false, true) {
		return errDHCPRunning
	}
	c.tries.Store(0)
	c.stop.Store(false)
	c.assigned.Store(nil)
	c.lastTries = 0
	c.leaseAge = 0
	var req [4]byte
	if c.RequestedAddr.Is4() {
		req = c.RequestedAddr.As4()
	}
	c.stack.info("dhcp:start", slog.String("requested", c.RequestedAddr.String()))
	go c.run(req)
	return nil
}

func (c *DHCPClient) run(req [4]byte) {
	defer c.running.Store(false)
	stack := c.stack
	rstack := stack.s.StackRetrying(retryPoll)
	for attempt := 0; !c.stop.Load(); attempt++ {
		c.tries.Add(1)
		results, err := rstack.DoDHCPv4(req, attemptTimeout(attempt), 1)
		if err != nil {
			stack.debug("dhcp:attempt", slog.Int("attempt", attempt), slog.String("err", err.Error()))
			continue
		} else if c.stop.Load() {
			return
		}
		err = stack.s.AssimilateDHCPResults(results)
		if err != nil {
			stack.logerr("dhcp:assimilate", slog.String("err", err.Error()))
			continue
		}
		addr := results.AssignedAddr
		c.renewal.Store(uint32(results.TRenewal))
		stack.gw.set(results.Router)
		stack.gw.tickAge(stack)
		c.assigned.Store(&addr)
		stack.info("dhcp:bound",
			slog.String("addr", addr.String()),
			slog.String("subnet", results.Subnet.String()),
			slog.String("router", results.Router.String()),
			slog.Uint64("lease[seconds]", uint64(results.TLease)),
			slog.Uint64("renew[seconds]", uint64(results.TRenewal)),
		)
		return
	}
}

func attemptTimeout(attempt int) time.Duration {
	if attempt > 5 {
		return dhcpMaxTimeout
	}
	return min(dhcpFirstTimeout<<attempt, dhcpMaxTimeout)
}

// Stop implements [netloop.DHCPClient]. An attempt in flight runs to its
// timeout but its result is discarded.
func (c *DHCPClient) Stop() {
	c.stop.Store(true)
}

// FineTimer implements [netloop.DHCPClient]. lneto retransmits on its own; the
// fine timer reports attempt progress.
func (c *DHCPClient) FineTimer() {
	tries := c.tries.Load()
	if tries != c.lastTries && c.running.Load() {
		c.stack.debug("dhcp:tries", slog.Int("tries", int(tries)))
	}
	c.lastTries = tries
}

// CoarseTimer implements [netloop.DHCPClient]. It ages the lease and requests
// the same address again once the renewal time is reached.
func (c *DHCPClient) CoarseTimer() {
	addr := c.Addr()
	renewal := c.renewal.Load()
	if !addr.IsValid() || renewal == 0 {
		return
	}
	c.leaseAge += coarseSeconds
	if c.leaseAge < renewal || c.running.Load() {
		return
	}
	c.leaseAge = 0
	c.RequestedAddr = addr
	c.stack.info("dhcp:renew", slog.String("addr", addr.String()))
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	c.stop.Store(false)
	go c.run(addr.As4())
}

// Addr implements [netloop.DHCPClient].
func (c *DHCPClient) Addr() netip.Addr {
	addr := c.assigned.Load()
	if addr == nil {
		return netip.Addr{}
	}
	return *addr
}

// Tries implements [netloop.DHCPClient].
func (c *DHCPClient) Tries() int { return int(c.tries.Load()) }

// SetStatic implements [netloop.DHCPClient]. The stack is reset with the static
// address and the listening port is opened again.
func (c *DHCPClient) SetStatic(cfg netloop.StaticConfig) error {
	c.stop.Store(true)
	stack := c.stack
	addr := cfg.Prefix.Addr()
	err := stack.reset(addr)
	if err != nil {
		return err
	}
	if cfg.Gateway.IsValid() {
		stack.gw.set(cfg.Gateway)
	}
	if stack.l.acceptor != nil {
		stack.l.relisten()
	}
	stack.info("static:set", slog.String("prefix", cfg.Prefix.String()), slog.String("gateway", cfg.Gateway.String()))
	return nil
}
