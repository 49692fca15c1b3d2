package lnetstack

import (
	"io"
	"log/slog"
	"net"

	"github.com/pkg/errors"
	"github.com/soypat/lneto/tcp"

	"github.com/soypat/ethcomm"
)

// phase is the lifecycle of the listening connection.
type phase uint8

const (
	phaseIdle phase = iota // Not listening, retried on the next TCP tick.
	phaseListen
	phaseConnected
	phaseClosing // Closed by the handler, waiting for the stack to release it.
)

// closeTicks bounds how long a graceful close may take before the connection
// is aborted so the port can listen again.
const closeTicks = 40

// tcpConn is the part of lneto's tcp.Conn driven by the listener.
type tcpConn interface {
	State() tcp.State
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Flush() error
	Close() error
	Abort()
	RemoteAddr() []byte
}

var _ tcpConn = (*tcp.Conn)(nil)

// listener turns lneto's polled tcp.Conn into the callback events of an
// [ethcomm.ConnHandler].
type listener struct {
	stack    *Stack
	lconn    tcp.Conn
	conn     tcpConn
	open     func() error // Starts listening on conn.
	port     uint16
	acceptor ethcomm.Acceptor
	handler  ethcomm.ConnHandler
	phase    phase
	gen      uint32
	ticks    uint8
	rdbuf    []byte
	pending  int  // Bytes in rdbuf refused by the handler, delivered again later.
	gotEOF   bool // Peer closed, close not yet delivered.
	eof      bool // Peer close delivered.
}

func (l *listener) init(stack *Stack, port uint16, a ethcomm.Acceptor, bufsize int) error {
	err := newConn(&l.lconn, bufsize, stack.log)
	if err != nil {
		return err
	}
	open := func() error { return stack.s.ListenTCP(&l.lconn, port) }
	l.attach(stack, &l.lconn, open, port, a, bufsize)
	return nil
}

func (l *listener) attach(stack *Stack, conn tcpConn, open func() error, port uint16, a ethcomm.Acceptor, bufsize int) {
	l.stack = stack
	l.conn = conn
	l.open = open
	l.port = port
	l.acceptor = a
	l.rdbuf = make([]byte, bufsize)
}

func (l *listener) listen() error {
	l.handler = nil
	l.gen++
	l.ticks = 0
	err := l.open()
	if err != nil {
		l.phase = phaseIdle
		l.conn.Abort()
		l.stack.logerr("listen", slog.Uint64("port", uint64(l.port)), slog.String("err", err.Error()))
		return errors.Wrap(err, "lnetstack: listen")
	}
	l.phase = phaseListen
	l.stack.info("listening", slog.Uint64("port", uint64(l.port)))
	return nil
}

// relisten drops whatever the connection is doing and listens again.
func (l *listener) relisten() {
	if l.phase == phaseConnected && l.handler != nil {
		h := l.handler
		l.handler = nil
		h.Err(ethcomm.ErrAbort)
	}
	l.conn.Abort()
	l.listen()
}

// service is called on every input pump.
func (l *listener) service() {
	switch l.phase {
	case phaseListen:
		st := l.conn.State()
		if st.IsPreestablished() {
			return
		} else if st != tcp.StateEstablished {
			l.stack.debug("listen:unexpected-state", slog.String("state", st.String()))
			l.relisten()
			return
		}
		l.accept()
	case phaseConnected:
		l.recv()
	case phaseClosing:
		if l.conn.State().IsClosed() {
			l.listen()
		}
	}
}

func (l *listener) accept() {
	remote := addrString(l.conn.RemoteAddr())
	l.phase = phaseConnected
	l.pending = 0
	l.gotEOF = false
	l.eof = false
	l.ticks = 0
	pcb := &connPCB{l: l, gen: l.gen}
	h, err := l.acceptor.Accept(pcb)
	if err != nil {
		l.stack.info("accept:refused", slog.String("remote", remote), slog.String("err", err.Error()))
		l.conn.Abort()
		l.listen()
		return
	}
	l.handler = h
	l.stack.info("accept", slog.String("remote", remote))
}

func (l *listener) recv() {
	if l.pending == 0 && !l.gotEOF {
		n, err := l.conn.Read(l.rdbuf)
		l.pending = n
		if errors.Is(err, io.EOF) {
			l.gotEOF = true
		} else if errors.Is(err, net.ErrClosed) && n == 0 {
			l.fail(err)
			return
		} else if err != nil && n == 0 {
			l.stack.debug("recv:read", slog.String("err", err.Error()))
		}
	}
	if l.pending > 0 && l.handler != nil {
		err := l.handler.Recv([][]byte{l.rdbuf[:l.pending]}, nil)
		if errors.Is(err, ethcomm.ErrMem) {
			return // Delivered again on the next pump.
		}
		l.pending = 0
		if err != nil {
			l.stack.debug("recv:handler", slog.String("err", err.Error()))
		}
	}
	if l.gotEOF && !l.eof && l.pending == 0 && l.handler != nil {
		l.eof = true
		err := l.handler.Recv(nil, nil)
		if err != nil {
			l.stack.debug("recv:close", slog.String("err", err.Error()))
		}
	}
}

// fail reports a fatal connection error to the handler and listens again.
func (l *listener) fail(err error) {
	h := l.handler
	l.handler = nil
	if h != nil {
		h.Err(err)
	}
	l.conn.Abort()
	l.listen()
}

// sent reports outgoing traffic as progress on the connection.
func (l *listener) sent(n int) {
	if l.phase != phaseConnected || l.handler == nil {
		return
	}
	err := l.handler.Sent(n)
	if err != nil {
		l.stack.debug("sent:handler", slog.String("err", err.Error()))
	}
}

func (l *listener) tick() {
	switch l.phase {
	case phaseIdle:
		if l.acceptor != nil {
			l.listen()
		}
	case phaseConnected:
		l.ticks++
		if l.ticks < pollTicks || l.handler == nil {
			return
		}
		l.ticks = 0
		err := l.handler.Poll()
		if err != nil {
			l.stack.debug("poll:handler", slog.String("err", err.Error()))
		}
	case phaseClosing:
		l.ticks++
		if l.ticks > closeTicks {
			l.stack.debug("close:timeout", slog.String("state", l.conn.State().String()))
			l.conn.Abort()
			l.listen()
		}
	}
}

// connPCB is the [ethcomm.PCB] of one accepted connection. It goes stale once
// the listener moves on to the next connection.
type connPCB struct {
	l   *listener
	gen uint32
}

func (p *connPCB) live() bool {
	return p.gen == p.l.gen && p.l.phase == phaseConnected
}

func (p *connPCB) Write(b []byte) (int, error) {
	if !p.live() {
		return 0, ethcomm.ErrClosed
	}
	n, err := p.l.conn.Write(b)
	if n > 0 {
		ferr := p.l.conn.Flush()
		if ferr != nil {
			p.l.stack.debug("pcb:flush", slog.String("err", ferr.Error()))
		}
	}
	if err == nil {
		return n, nil
	} else if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return n, err
	}
	// Transmit buffer full, retry once the stack makes progress.
	return n, ethcomm.ErrMem
}

// Recved is a no-op: lneto reopens the window as data is read from the connection.
func (p *connPCB) Recved(n int) {}

func (p *connPCB) Close() error {
	if !p.live() {
		return ethcomm.ErrClosed
	}
	l := p.l
	l.handler = nil
	l.phase = phaseClosing
	l.ticks = 0
	return l.conn.Close()
}

func (p *connPCB) Abort() {
	if !p.live() {
		return
	}
	p.l.handler = nil
	p.l.conn.Abort()
	p.l.listen()
}
