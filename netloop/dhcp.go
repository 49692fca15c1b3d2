package netloop

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
)

// MaxDHCPTries is the default number of DHCP requests after which the poller
// gives up and applies the static fallback address.
const MaxDHCPTries = 4

// DHCPState enumerates the states of a [DHCPPoller].
//
//go:generate stringer -type=DHCPState -trimprefix=DHCP
type DHCPState uint8

const (
	// START - the lease request has not been issued yet.
	DHCPStart DHCPState = iota
	// WAIT_ADDRESS - the client is negotiating a lease.
	DHCPWaitAddress
	// ADDRESS_ASSIGNED - a lease was obtained. Terminal.
	DHCPAddressAssigned
	// TIMEOUT - the client gave up and the static address is in use. Terminal.
	DHCPTimeout
)

// IsTerminal reports whether the poller has nothing left to do in state s.
func (s DHCPState) IsTerminal() bool {
	return s == DHCPAddressAssigned || s == DHCPTimeout
}

// DHCPClient is the DHCP client of the network stack.
type DHCPClient interface {
	// Start begins lease acquisition. It does not block.
	Start() error
	// Stop halts the lease protocol.
	Stop()
	FineTimer()
	CoarseTimer()
	// Addr returns the address assigned to the interface. An invalid or
	// unspecified address means none is assigned yet.
	Addr() netip.Addr
	// Tries returns the number of requests sent since Start.
	Tries() int
	// SetStatic configures the interface with a fixed address.
	SetStatic(StaticConfig) error
}

// StaticConfig is the addressing used when DHCP times out.
type StaticConfig struct {
	// Prefix holds the interface address and the subnet mask length.
	Prefix  netip.Prefix
	Gateway netip.Addr
}

// DHCPConfig configures a [DHCPPoller].
type DHCPConfig struct {
	Client DHCPClient
	Static StaticConfig
	// MaxTries defaults to MaxDHCPTries when zero.
	MaxTries int
	Logger   *slog.Logger
}

// DHCPPoller watches a DHCP client for an assigned address and falls back to
// a static address after a bounded number of tries.
type DHCPPoller struct {
	client   DHCPClient
	static   StaticConfig
	state    DHCPState
	addr     netip.Addr
	maxTries int
	logger   *slog.Logger
}

var errNoClient = errors.New("netloop: nil DHCP client")

func (p *DHCPPoller) Reset(cfg DHCPConfig) error {
	if cfg.Client == nil {
		return errNoClient
	} else if cfg.MaxTries < 0 {
		return errors.New("netloop: negative DHCP tries")
	} else if cfg.Static.Prefix.IsValid() && !cfg.Static.Prefix.Addr().Is4() {
		return errors.New("netloop: static address must be IPv4")
	}
	*p = DHCPPoller{
		client:   cfg.Client,
		static:   cfg.Static,
		maxTries: cfg.MaxTries,
		logger:   cfg.Logger,
	}
	if p.maxTries == 0 {
		p.maxTries = MaxDHCPTries
	}
	return nil
}

// State returns the current lease state.
func (p *DHCPPoller) State() DHCPState { return p.state }

// Addr returns the assigned or fallback address once the poller reaches a
// terminal state. It is invalid while the lease is pending.
func (p *DHCPPoller) Addr() netip.Addr { return p.addr }

// Poll advances the state machine by one step. Terminal states are sinks.
func (p *DHCPPoller) Poll() error {
	switch p.state {
	case DHCPStart:
		err := p.client.Start()
		if err != nil {
			p.logerr("dhcp:start", slog.String("err", err.Error()))
			return err
		}
		p.addr = netip.Addr{}
		p.state = DHCPWaitAddress
		p.debug("dhcp:wait-address")

	case DHCPWaitAddress:
		addr := p.client.Addr()
		if addr.IsValid() && !addr.IsUnspecified() {
			p.addr = addr
			p.state = DHCPAddressAssigned
			p.client.Stop()
			p.info("dhcp:assigned", slog.String("addr", addr.String()), slog.Int("tries", p.client.Tries()))
			return nil
		}
		tries := p.client.Tries()
		if tries <= p.maxTries {
			return nil
		}
		p.client.Stop()
		if p.static.Prefix.IsValid() {
			// Stay in WaitAddress so the next poll applies the fallback again.
			err := p.client.SetStatic(p.static)
			if err != nil {
				p.logerr("dhcp:set-static", slog.String("err", err.Error()))
				return err
			}
		}
		p.state = DHCPTimeout
		p.addr = p.static.Prefix.Addr()
		p.info("dhcp:timeout", slog.Int("tries", tries), slog.String("static", p.static.Prefix.String()))
	}
	return nil
}

func (p *DHCPPoller) info(msg string, attrs ...slog.Attr) {
	p.logattrs(slog.LevelInfo, msg, attrs...)
}

func (p *DHCPPoller) debug(msg string, attrs ...slog.Attr) {
	p.logattrs(slog.LevelDebug, msg, attrs...)
}

func (p *DHCPPoller) logerr(msg string, attrs ...slog.Attr) {
	p.logattrs(slog.LevelError, msg, attrs...)
}

func (p *DHCPPoller) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		p.logger.LogAttrs(context.Background(), level, msg, attrs...)
	}
}
