package ethcomm

import (
	"context"
	"errors"
	"log/slog"

	"github.com/soypat/seqs"
)

// Config configures a [Server]. The zero value is a relay with default limits.
type Config struct {
	Mode Mode
	// Process, if set, runs in ModeRelay after each received segment is copied to
	// the receive ring and before bytes queued with PutByte are flushed.
	// It is the place to parse commands with GetByte and answer with PutByte.
	Process func(*Server)
	// QueueLimit bounds the bytes awaiting transmission on the connection.
	// Zero selects a default. Must be at least TxSize.
	QueueLimit int
	Logger     *slog.Logger
}

// Server relays the byte stream of a single TCP connection to and from the
// application buffers. It implements [Acceptor].
type Server struct {
	rx        rxRing
	tx        txBuffer
	slots     [1]conn
	gen       uint32
	connected bool
	mode      Mode
	process   func(*Server)
	logger    *slog.Logger
	_trace    bool
	stats     Stats
}

// conn is a connection slot. A zero gen marks the slot free.
type conn struct {
	pcb   PCB
	gen   uint32
	state State
	q     segQueue
	// Stream positions relative to an origin picked on accept.
	rcvOrigin seqs.Value
	rcvNxt    seqs.Value
	sndOrigin seqs.Value
	sndNxt    seqs.Value
}

// Stats holds counters accumulated since the last call to Configure.
type Stats struct {
	Accepts uint32
	// Rejects counts connections refused because the slot was taken.
	Rejects uint32
	Closes  uint32
	Aborts  uint32
	// Received and Sent count the bytes of the current or last connection.
	Received seqs.Size
	Sent     seqs.Size
	// RxOverwrites counts unread bytes evicted from the receive ring.
	RxOverwrites uint32
	// TxTruncations counts bytes dropped by PutByte on a full transmit buffer.
	TxTruncations uint32
}

// compile time check that the server holds a single connection slot.
var _ = [1]struct{}{}[len(Server{}.slots)-1]

var errInvalidMode = errors.New("ethcomm: invalid mode")

// Configure resets the server's buffers and statistics and applies cfg.
// It fails if a connection is active.
func (s *Server) Configure(cfg Config) error {
	if cfg.Mode > ModeEcho {
		return errInvalidMode
	} else if cfg.QueueLimit != 0 && cfg.QueueLimit < TxSize {
		return errors.New("ethcomm: queue limit smaller than transmit buffer")
	} else if s.connected {
		return errors.New("ethcomm: configure during active connection")
	}
	limit := cfg.QueueLimit
	if limit == 0 {
		limit = defaultQueueLimit
	}
	s.mode = cfg.Mode
	s.process = cfg.Process
	s.logger = cfg.Logger
	s._trace = s.logger != nil && s.logger.Handler().Enabled(context.Background(), levelTrace)
	for i := range s.slots {
		s.slots[i].q.init(limit)
	}
	s.rx.reset()
	s.tx.reset()
	s.stats = Stats{}
	return nil
}

// Listen registers the server as acceptor on l. A zero port selects DefaultPort.
func (s *Server) Listen(l Listener, port uint16) error {
	if port == 0 {
		port = DefaultPort
	}
	s.info("listen", slog.Uint64("port", uint64(port)), slog.String("mode", s.mode.String()))
	return l.ListenTCP(port, s)
}

// Accept implements [Acceptor]. Only one connection is served at a time;
// further connections are refused with ErrMem until it is released.
func (s *Server) Accept(pcb PCB) (ConnHandler, error) {
	if pcb == nil {
		return nil, errNilPCB
	}
	c := &s.slots[0]
	if c.gen != 0 {
		s.stats.Rejects++
		s.debug("accept:reject", slog.String("state", c.state.String()))
		return nil, ErrMem
	}
	if len(c.q.buf) == 0 {
		c.q.init(defaultQueueLimit)
	}
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	// Stream counters count bytes from the start of the connection.
	var origin seqs.Value
	*c = conn{
		pcb:       pcb,
		gen:       s.gen,
		state:     StateAccepted,
		q:         c.q,
		rcvOrigin: origin,
		rcvNxt:    origin,
		sndOrigin: origin,
		sndNxt:    origin,
	}
	c.q.reset()
	// Only begin rewinds: bytes queued before the connection existed are sent
	// once connected instead of being discarded.
	s.tx.begin = 0
	s.connected = true
	s.stats.Accepts++
	s.stats.Received = 0
	s.stats.Sent = 0
	s.info("accept", slog.Uint64("gen", uint64(c.gen)))
	return connHandle{s: s, gen: c.gen, pcb: pcb}, nil
}

// PutByte queues c for transmission. The byte is dropped if the transmit
// buffer is full.
func (s *Server) PutByte(c byte) {
	if !s.tx.putByte(c) {
		s.stats.TxTruncations++
	}
}

// GetByte pops the oldest unread received byte. It never blocks.
func (s *Server) GetByte() (byte, bool) {
	return s.rx.get()
}

// Buffered returns the number of unread bytes in the receive ring.
func (s *Server) Buffered() int { return s.rx.buffered() }

// IsConnected reports whether a connection is being served.
func (s *Server) IsConnected() bool { return s.connected }

// State returns the state of the connection slot.
func (s *Server) State() State { return s.slots[0].state }

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() Stats {
	st := s.stats
	c := &s.slots[0]
	if c.gen != 0 {
		st.Received = seqs.Sizeof(c.rcvOrigin, c.rcvNxt)
		st.Sent = seqs.Sizeof(c.sndOrigin, c.sndNxt)
	}
	return st
}

// connHandle binds the callbacks of one accepted connection to its slot.
// Events for a released slot are detected through the generation number.
type connHandle struct {
	s   *Server
	gen uint32
	pcb PCB
}

var _ ConnHandler = connHandle{}

func (h connHandle) conn() *conn {
	c := &h.s.slots[0]
	if c.gen != h.gen {
		return nil
	}
	return c
}

func (h connHandle) Recv(chain [][]byte, err error) error {
	c := h.conn()
	if c == nil {
		h.s.debug("recv:stale", slog.Uint64("gen", uint64(h.gen)))
		h.pcb.Abort()
		return ErrAbort
	}
	return h.s.recv(c, chain, err)
}

func (h connHandle) Sent(n int) error {
	c := h.conn()
	if c == nil {
		return nil
	}
	h.s.trace("sent", slog.Int("n", n))
	return h.s.service(c)
}

func (h connHandle) Poll() error {
	c := h.conn()
	if c == nil {
		h.s.debug("poll:stale", slog.Uint64("gen", uint64(h.gen)))
		h.pcb.Abort()
		return ErrAbort
	}
	return h.s.service(c)
}

func (h connHandle) Err(err error) {
	c := h.conn()
	if c == nil {
		return
	}
	h.s.logerr("conn:err", slog.String("state", c.state.String()), slog.String("err", errstr(err)))
	h.s.stats.Aborts++
	h.s.release(c)
}

func (s *Server) recv(c *conn, chain [][]byte, err error) error {
	if chain == nil {
		s.debug("recv:peer-close", slog.Int("queued", c.q.n), slog.Int("unacked", c.q.unacked()))
		c.state = StateClosing
		if c.q.empty() {
			return s.close(c)
		}
		return s.flush(c)
	} else if err != nil {
		s.logerr("recv:segment", slog.Int("len", chainLen(chain)), slog.String("err", err.Error()))
		return err
	}
	switch c.state {
	case StateAccepted:
		c.state = StateReceived
		fallthrough
	case StateReceived:
		if s.mode == ModeEcho {
			return s.echo(c, chain)
		}
		return s.fanout(c, chain)
	default:
		// Data after peer close is acknowledged and dropped.
		n := chainLen(chain)
		c.rcvNxt.UpdateForward(seqs.Size(n))
		c.pcb.Recved(n)
		return nil
	}
}

// fanout consumes segments in order into the receive ring.
func (s *Server) fanout(c *conn, chain [][]byte) error {
	for _, seg := range chain {
		if ow := s.rx.put(seg); ow > 0 {
			s.stats.RxOverwrites += uint32(ow)
		}
		c.rcvNxt.UpdateForward(seqs.Size(len(seg)))
		s.trace("recv:fanout", slog.Int("len", len(seg)), slog.Int("buffered", s.rx.buffered()))
		if s.process != nil {
			s.process(s)
		}
		err := s.drainTx(c)
		if err != nil {
			return err
		}
		c.pcb.Recved(len(seg))
	}
	return nil
}

// echo queues the chain to be written back. The window is reopened as it is written.
func (s *Server) echo(c *conn, chain [][]byte) error {
	n := chainLen(chain)
	if n > c.q.free() {
		err := s.flush(c)
		if err != nil {
			return err
		} else if n > c.q.free() {
			s.debug("echo:queue-full", slog.Int("len", n), slog.Int("free", c.q.free()))
			return ErrMem
		}
	}
	for _, seg := range chain {
		c.q.push(seg, true) // Cannot fail, space checked above.
	}
	c.rcvNxt.UpdateForward(seqs.Size(n))
	return s.flush(c)
}

// service continues work on a connection after the stack reports progress.
func (s *Server) service(c *conn) error {
	switch {
	case !c.q.empty():
		return s.flush(c)
	case c.state == StateClosing:
		return s.close(c)
	case len(s.tx.pending()) > 0:
		return s.drainTx(c)
	}
	return nil
}

// drainTx moves the transmit buffer into the pending queue and flushes. When the
// queue cannot take the whole buffer it stays in place for a later attempt.
func (s *Server) drainTx(c *conn) error {
	data := s.tx.pending()
	if len(data) == 0 {
		return nil
	}
	if len(data) > c.q.free() {
		return s.flush(c)
	}
	c.q.push(data, false)
	s.tx.reset()
	return s.flush(c)
}

// flush writes as much of the queue as the stack accepts.
func (s *Server) flush(c *conn) error {
	for !c.q.empty() {
		chunk := c.q.front()
		n, err := c.pcb.Write(chunk)
		if n > 0 {
			if ack := c.q.consume(n); ack > 0 {
				c.pcb.Recved(ack)
			}
			c.sndNxt.UpdateForward(seqs.Size(n))
		}
		if errors.Is(err, ErrMem) {
			s.trace("flush:deferred", slog.Int("queued", c.q.n))
			return nil
		} else if err != nil {
			s.logerr("flush:write", slog.String("err", err.Error()))
			s.abort(c)
			return ErrAbort
		} else if n < len(chunk) {
			return nil
		}
	}
	return nil
}

func (s *Server) close(c *conn) error {
	pcb := c.pcb
	s.release(c)
	s.stats.Closes++
	s.info("close")
	err := pcb.Close()
	if err != nil {
		s.logerr("close", slog.String("err", err.Error()))
		s.stats.Aborts++
		pcb.Abort()
		return ErrAbort
	}
	return nil
}

func (s *Server) abort(c *conn) {
	pcb := c.pcb
	s.release(c)
	s.stats.Aborts++
	pcb.Abort()
}

// release frees the slot. Callbacks holding the old generation become no-ops.
func (s *Server) release(c *conn) {
	s.stats.Received = seqs.Sizeof(c.rcvOrigin, c.rcvNxt)
	s.stats.Sent = seqs.Sizeof(c.sndOrigin, c.sndNxt)
	c.pcb = nil
	c.gen = 0
	c.state = StateNone
	c.q.reset()
	s.connected = false
}

func chainLen(chain [][]byte) (n int) {
	for _, seg := range chain {
		n += len(seg)
	}
	return n
}
