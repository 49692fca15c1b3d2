// Package lnetstack adapts lneto's asynchronous network stack to the ports
// consumed by ethcomm and netloop. A [Stack] owns the stack, the Ethernet
// device and a single listening TCP connection.
package lnetstack

import (
	"context"
	"hash/crc32"
	"log/slog"
	"net/netip"
	"time"

	"github.com/pkg/errors"
	"github.com/soypat/lneto/ethernet"
	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"

	"github.com/soypat/ethcomm"
	"github.com/soypat/ethcomm/netloop"
)

const (
	MTU = 1500
	MFU = MTU + ethernet.MaxOverheadSize

	defaultConnBuf = 2048
	// pollTicks is the number of TCP timer ticks between connection polls.
	pollTicks = 2
	// gatewayMaxAge is the number of ARP timer ticks after which the gateway
	// hardware address is resolved again.
	gatewayMaxAge = 60
)

// NIC sends and receives Ethernet frames. Neither method may block for long.
type NIC interface {
	// RecvFrame copies a pending frame into buf and returns its length,
	// or zero if no frame is pending.
	RecvFrame(buf []byte) (int, error)
	SendFrame(frame []byte) error
}

// StackConfig configures a [Stack].
type StackConfig struct {
	Hostname        string
	HardwareAddress [6]byte
	// StaticAddress is used from the start when valid. Leave it unset to
	// acquire an address through the DHCP client.
	StaticAddress netip.Addr
	// Gateway is the router used with StaticAddress. DHCP supplies its own.
	Gateway  netip.Addr
	RandSeed int64
	// ConnBufferSize is the size of the receive and transmit buffers of the
	// listening connection. Zero selects a default.
	ConnBufferSize int
	// OnFrame, if set, is called with every frame received ("RX") or sent ("TX").
	OnFrame func(direction string, frame []byte)
	Logger  *slog.Logger
}

// Stack implements [ethcomm.Listener] and [netloop.Stack] over lneto.
// All methods other than those of the DHCP client must be called from the
// goroutine running the loop.
type Stack struct {
	s       xnet.StackAsync
	nic     NIC
	log     *slog.Logger
	cfg     StackConfig
	sendbuf []byte
	rxbuf   []byte
	onFrame func(string, []byte)

	l    listener
	dhcp DHCPClient
	gw   gateway
}

var crcTable = crc32.MakeTable(crc32.IEEE)

// NewStack creates a stack that moves frames through nic.
func NewStack(nic NIC, cfg StackConfig) (*Stack, error) {
	if nic == nil {
		return nil, errors.New("lnetstack: nil NIC")
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "ethcomm"
	}
	if cfg.ConnBufferSize <= 0 {
		cfg.ConnBufferSize = defaultConnBuf
	}
	stack := &Stack{
		nic:     nic,
		log:     cfg.Logger,
		cfg:     cfg,
		sendbuf: make([]byte, MFU),
		rxbuf:   make([]byte, MFU),
		onFrame: cfg.OnFrame,
	}
	err := stack.reset(cfg.StaticAddress)
	if err != nil {
		return nil, err
	}
	stack.dhcp.stack = stack
	if cfg.StaticAddress.IsValid() && cfg.Gateway.IsValid() {
		stack.gw.set(cfg.Gateway)
	}
	return stack, nil
}

func (stack *Stack) reset(addr netip.Addr) error {
	err := stack.s.Reset(xnet.StackConfig{
		StaticAddress:   addr,
		Hostname:        stack.cfg.Hostname,
		MaxTCPConns:     1,
		RandSeed:        time.Now().UnixNano() ^ stack.cfg.RandSeed,
		HardwareAddress: stack.cfg.HardwareAddress,
		MTU:             MTU,
		EthernetTxCRC32Update: func(crc uint32, b []byte) uint32 {
			return crc32.Update(crc, crcTable, b)
		},
	})
	return errors.Wrap(err, "lnetstack: stack reset")
}

// LnetoStack returns the underlying lneto stack.
func (stack *Stack) LnetoStack() *xnet.StackAsync { return &stack.s }

// DHCP returns the stack's DHCP client for use with a [netloop.DHCPPoller].
func (stack *Stack) DHCP() *DHCPClient { return &stack.dhcp }

// Addr returns the current interface address.
func (stack *Stack) Addr() netip.Addr { return stack.s.Addr() }

// Input implements [netloop.Stack]. It demuxes at most one received frame,
// delivers connection events and sends at most one frame.
func (stack *Stack) Input() (int, error) {
	recv, err := stack.nic.RecvFrame(stack.rxbuf)
	if err != nil {
		stack.logerr("Input:RecvFrame", slog.String("err", err.Error()))
		recv = 0
	} else if recv > 0 {
		if stack.onFrame != nil {
			stack.onFrame("RX", stack.rxbuf[:recv])
		}
		err = stack.s.Demux(stack.rxbuf[:recv], 0)
		if err != nil {
			stack.debug("Input:Demux", slog.Int("plen", recv), slog.String("err", err.Error()))
		}
	}
	stack.l.service()

	send, errenc := stack.s.Encapsulate(stack.sendbuf, -1, 0)
	if errenc != nil {
		stack.logerr("Input:Encapsulate", slog.Int("plen", send), slog.String("err", errenc.Error()))
		return recv, errenc
	} else if send == 0 {
		return recv, err
	}
	if stack.onFrame != nil {
		stack.onFrame("TX", stack.sendbuf[:send])
	}
	errsend := stack.nic.SendFrame(stack.sendbuf[:send])
	if errsend != nil {
		stack.logerr("Input:SendFrame", slog.Int("plen", send), slog.String("err", errsend.Error()))
		return recv, errsend
	}
	stack.l.sent(send)
	return recv + send, err
}

// ARPTimer implements [netloop.Stack]. lneto ages its own ARP queries; the
// timer keeps the gateway's hardware address fresh.
func (stack *Stack) ARPTimer() {
	stack.gw.tickAge(stack)
}

// TCPTimer implements [netloop.Stack]. Every pollTicks ticks the active
// connection is polled.
func (stack *Stack) TCPTimer() {
	stack.l.tick()
}

// ListenTCP implements [ethcomm.Listener]. Only one listening port is supported.
func (stack *Stack) ListenTCP(port uint16, a ethcomm.Acceptor) error {
	if a == nil {
		return errors.New("lnetstack: nil acceptor")
	} else if stack.l.acceptor != nil {
		return errors.New("lnetstack: already listening")
	}
	err := stack.l.init(stack, port, a, stack.cfg.ConnBufferSize)
	if err != nil {
		return err
	}
	return stack.l.listen()
}

func (stack *Stack) logerr(msg string, attrs ...slog.Attr) {
	stack.logattrs(slog.LevelError, msg, attrs...)
}

func (stack *Stack) info(msg string, attrs ...slog.Attr) {
	stack.logattrs(slog.LevelInfo, msg, attrs...)
}

func (stack *Stack) debug(msg string, attrs ...slog.Attr) {
	stack.logattrs(slog.LevelDebug, msg, attrs...)
}

func (stack *Stack) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if stack.log != nil {
		stack.log.LogAttrs(context.Background(), level, msg, attrs...)
	}
}

var (
	_ ethcomm.Listener = (*Stack)(nil)
	_ netloop.Stack    = (*Stack)(nil)
	_ ethcomm.PCB      = (*connPCB)(nil)
)

// newConn configures a TCP connection with rx and tx buffers of size bufsize.
func newConn(conn *tcp.Conn, bufsize int, logger *slog.Logger) error {
	err := conn.Configure(tcp.ConnConfig{
		RxBuf:             make([]byte, bufsize),
		TxBuf:             make([]byte, bufsize),
		TxPacketQueueSize: 3,
		Logger:            logger,
	})
	return errors.Wrap(err, "lnetstack: tcp conn configure")
}
