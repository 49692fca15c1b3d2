package ethcomm

import (
	"bytes"
	"errors"
	"testing"
)

// fakePCB records everything the server does to a connection. window limits
// how many bytes Write accepts before returning ErrMem; negative is unlimited.
type fakePCB struct {
	window   int
	out      []byte
	recved   int
	closed   int
	aborted  int
	closeErr error
	writeErr error
}

func newPCB(window int) *fakePCB { return &fakePCB{window: window} }

func (p *fakePCB) Write(b []byte) (int, error) {
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	n := len(b)
	if p.window >= 0 && n > p.window {
		n = p.window
	}
	p.out = append(p.out, b[:n]...)
	if p.window >= 0 {
		p.window -= n
	}
	if n < len(b) {
		return n, ErrMem
	}
	return n, nil
}

func (p *fakePCB) Recved(n int) { p.recved += n }

func (p *fakePCB) Close() error {
	p.closed++
	return p.closeErr
}

func (p *fakePCB) Abort() { p.aborted++ }

func newServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	var s Server
	err := s.Configure(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return &s
}

func accept(t *testing.T, s *Server, pcb PCB) ConnHandler {
	t.Helper()
	h, err := s.Accept(pcb)
	if err != nil {
		t.Fatal("accept:", err)
	}
	return h
}

func seq(start, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(start + i)
	}
	return b
}

func TestRxRingOverwrite(t *testing.T) {
	s := newServer(t, Config{})
	pcb := newPCB(-1)
	h := accept(t, s, pcb)
	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i % 256)
	}
	err := h.Recv([][]byte{data[:200], data[200:]}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if pcb.recved != len(data) {
		t.Errorf("want %d bytes acknowledged, got %d", len(data), pcb.recved)
	}
	if s.Buffered() != RxSize {
		t.Errorf("want %d buffered, got %d", RxSize, s.Buffered())
	}
	for i := 44; i < 300; i++ {
		c, ok := s.GetByte()
		if !ok {
			t.Fatalf("ring empty at byte %d", i)
		} else if c != byte(i%256) {
			t.Fatalf("byte %d: want %d, got %d", i, byte(i%256), c)
		}
	}
	if _, ok := s.GetByte(); ok {
		t.Error("expected empty ring")
	}
	if s.Stats().RxOverwrites != 44 {
		t.Errorf("want 44 overwrites, got %d", s.Stats().RxOverwrites)
	}
}

func TestTxTruncation(t *testing.T) {
	s := newServer(t, Config{})
	const pushed = TxSize + 76
	for i := 0; i < pushed; i++ {
		s.PutByte(byte(i % 251))
	}
	pcb := newPCB(-1)
	h := accept(t, s, pcb)
	err := h.Poll()
	if err != nil {
		t.Fatal(err)
	}
	if len(pcb.out) != TxSize {
		t.Fatalf("want %d bytes delivered, got %d", TxSize, len(pcb.out))
	}
	for i, c := range pcb.out {
		if c != byte(i%251) {
			t.Fatalf("byte %d mismatch", i)
		}
	}
	if got := s.Stats().TxTruncations; got != pushed-TxSize {
		t.Errorf("want %d truncations, got %d", pushed-TxSize, got)
	}
	// Buffer must be empty after flush.
	err = h.Poll()
	if err != nil {
		t.Fatal(err)
	}
	if len(pcb.out) != TxSize {
		t.Errorf("data sent twice: %d bytes", len(pcb.out))
	}
	if s.Stats().Sent != TxSize {
		t.Errorf("want Sent=%d, got %d", TxSize, s.Stats().Sent)
	}
}

func TestQueuedBeforeConnect(t *testing.T) {
	s := newServer(t, Config{})
	for _, c := range []byte("ABC") {
		s.PutByte(c)
	}
	if s.IsConnected() {
		t.Fatal("connected before accept")
	}
	pcb := newPCB(-1)
	h := accept(t, s, pcb)
	if !s.IsConnected() {
		t.Fatal("not connected after accept")
	}
	for i := 0; i < 3; i++ {
		if err := h.Poll(); err != nil {
			t.Fatal(err)
		}
		if err := h.Sent(len(pcb.out)); err != nil {
			t.Fatal(err)
		}
	}
	if string(pcb.out) != "ABC" {
		t.Errorf("want peer to receive %q once, got %q", "ABC", pcb.out)
	}
}

func TestTxFlushOnReceive(t *testing.T) {
	s := newServer(t, Config{})
	pcb := newPCB(-1)
	h := accept(t, s, pcb)
	if s.State() != StateAccepted {
		t.Fatal("want accepted state, got", s.State())
	}
	s.PutByte('x')
	s.PutByte('y')
	err := h.Recv([][]byte{[]byte("ping")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.State() != StateReceived {
		t.Error("want received state, got", s.State())
	}
	if string(pcb.out) != "xy" {
		t.Errorf("want %q flushed after receive, got %q", "xy", pcb.out)
	}
}

func TestProcessHook(t *testing.T) {
	upper := func(s *Server) {
		for {
			c, ok := s.GetByte()
			if !ok {
				return
			}
			s.PutByte(bytes.ToUpper([]byte{c})[0])
		}
	}
	s := newServer(t, Config{Process: upper})
	pcb := newPCB(-1)
	h := accept(t, s, pcb)
	err := h.Recv([][]byte{[]byte("hello "), []byte("world")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(pcb.out) != "HELLO WORLD" {
		t.Errorf("got %q", pcb.out)
	}
	if pcb.recved != 11 {
		t.Errorf("want 11 acknowledged, got %d", pcb.recved)
	}
}

func TestGracefulCloseDrainsQueue(t *testing.T) {
	s := newServer(t, Config{})
	pcb := newPCB(2)
	h := accept(t, s, pcb)
	want := seq(0, 10)
	for _, c := range want {
		s.PutByte(c)
	}
	if err := h.Poll(); err != nil {
		t.Fatal(err)
	}
	if len(pcb.out) != 2 {
		t.Fatalf("want 2 bytes through window, got %d", len(pcb.out))
	}
	if err := h.Recv(nil, nil); err != nil {
		t.Fatal(err)
	}
	if pcb.closed != 0 {
		t.Fatal("closed with data pending")
	}
	if s.State() != StateClosing {
		t.Fatal("want closing state, got", s.State())
	}
	pcb.window = 100
	if err := h.Sent(2); err != nil {
		t.Fatal(err)
	}
	if pcb.closed != 0 {
		t.Fatal("closed before queue drain was acknowledged")
	}
	if err := h.Sent(8); err != nil {
		t.Fatal(err)
	}
	if pcb.closed != 1 {
		t.Fatalf("want 1 close, got %d", pcb.closed)
	}
	if !bytes.Equal(pcb.out, want) {
		t.Errorf("peer got %v, want %v", pcb.out, want)
	}
	if s.IsConnected() {
		t.Error("connected after close")
	}
	if s.Stats().Closes != 1 {
		t.Error("want 1 close counted")
	}
}

func TestCloseWithNothingQueued(t *testing.T) {
	s := newServer(t, Config{})
	pcb := newPCB(-1)
	h := accept(t, s, pcb)
	if err := h.Recv(nil, nil); err != nil {
		t.Fatal(err)
	}
	if pcb.closed != 1 || s.IsConnected() {
		t.Fatal("expected immediate close")
	}
}

func TestCloseFailureAborts(t *testing.T) {
	s := newServer(t, Config{})
	pcb := newPCB(-1)
	pcb.closeErr = ErrMem
	h := accept(t, s, pcb)
	err := h.Recv(nil, nil)
	if !errors.Is(err, ErrAbort) {
		t.Fatal("want ErrAbort, got", err)
	}
	if pcb.aborted != 1 {
		t.Error("pcb not aborted")
	}
}

func TestFatalErrorReleasesOnce(t *testing.T) {
	s := newServer(t, Config{})
	pcb := newPCB(-1)
	h := accept(t, s, pcb)
	h.Err(errors.New("connection reset"))
	if s.IsConnected() {
		t.Fatal("connected after fatal error")
	}
	h.Err(errors.New("connection reset"))
	if s.Stats().Aborts != 1 {
		t.Errorf("want slot released once, got %d aborts", s.Stats().Aborts)
	}
	if pcb.closed != 0 || pcb.aborted != 0 {
		t.Error("pcb used after fatal error")
	}
	if err := h.Sent(1); err != nil {
		t.Error("sent on released handle:", err)
	}

	// A new connection may be served and is unaffected by the old handle.
	pcb2 := newPCB(-1)
	accept(t, s, pcb2)
	if err := h.Poll(); !errors.Is(err, ErrAbort) {
		t.Error("want ErrAbort polling released handle, got", err)
	}
	if pcb.aborted != 1 {
		t.Error("stale pcb not aborted on poll")
	}
	if !s.IsConnected() || pcb2.aborted != 0 {
		t.Error("new connection affected by stale handle")
	}
}

func TestSingleConnection(t *testing.T) {
	s := newServer(t, Config{})
	accept(t, s, newPCB(-1))
	_, err := s.Accept(newPCB(-1))
	if !errors.Is(err, ErrMem) {
		t.Fatal("want ErrMem for second connection, got", err)
	}
	if s.Stats().Rejects != 1 {
		t.Error("reject not counted")
	}
	if _, err = s.Accept(nil); err == nil {
		t.Error("accepted nil pcb")
	}
}

func TestSegmentErrorDiscards(t *testing.T) {
	s := newServer(t, Config{})
	pcb := newPCB(-1)
	h := accept(t, s, pcb)
	errSeg := errors.New("bad segment")
	err := h.Recv([][]byte{[]byte("junk")}, errSeg)
	if err != errSeg {
		t.Fatal("want segment error propagated, got", err)
	}
	if s.Buffered() != 0 || pcb.recved != 0 {
		t.Error("errored segment consumed")
	}
	if s.State() != StateAccepted {
		t.Error("state changed on errored segment:", s.State())
	}
}

func TestWriteErrorAborts(t *testing.T) {
	s := newServer(t, Config{})
	pcb := newPCB(-1)
	pcb.writeErr = errors.New("routing failure")
	h := accept(t, s, pcb)
	s.PutByte('a')
	err := h.Poll()
	if !errors.Is(err, ErrAbort) {
		t.Fatal("want ErrAbort, got", err)
	}
	if pcb.aborted != 1 || s.IsConnected() {
		t.Error("connection not aborted")
	}
}

func TestEchoReopensWindowOnWrite(t *testing.T) {
	s := newServer(t, Config{Mode: ModeEcho})
	pcb := newPCB(3)
	h := accept(t, s, pcb)
	err := h.Recv([][]byte{[]byte("hel"), []byte("lo")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if pcb.recved != 3 {
		t.Fatalf("want 3 acknowledged, got %d", pcb.recved)
	}
	pcb.window = 10
	if err = h.Poll(); err != nil {
		t.Fatal(err)
	}
	if string(pcb.out) != "hello" || pcb.recved != 5 {
		t.Errorf("got %q with %d acknowledged", pcb.out, pcb.recved)
	}
	if s.Buffered() != 0 {
		t.Error("echo mode filled the receive ring")
	}
}

func TestEchoBackpressureBoundedRecords(t *testing.T) {
	s := newServer(t, Config{Mode: ModeEcho})
	pcb := newPCB(0)
	h := accept(t, s, pcb)
	if err := h.Recv([][]byte{[]byte("ab")}, nil); err != nil {
		t.Fatal(err)
	}
	// Each round writes the oldest segment while a new one arrives, so the
	// queue never drains.
	for i := 0; i < 100000; i++ {
		pcb.window = 2
		if err := h.Recv([][]byte{[]byte("cd")}, nil); err != nil {
			t.Fatal(err)
		}
	}
	q := &s.slots[0].q
	if q.n != 2 || len(q.segs)-q.head != 1 {
		t.Fatalf("want one queued segment, got %d bytes in %d records", q.n, len(q.segs)-q.head)
	}
	if len(q.segs) > 4 {
		t.Errorf("segment records grew to %d", len(q.segs))
	}
	if len(pcb.out) != 2*100000 {
		t.Errorf("echoed %d bytes", len(pcb.out))
	}
}

func TestStreamCountersFromZero(t *testing.T) {
	s := newServer(t, Config{Mode: ModeEcho})
	pcb := newPCB(-1)
	h := accept(t, s, pcb)
	c := &s.slots[0]
	if c.rcvNxt != 0 || c.sndNxt != 0 {
		t.Fatalf("stream positions start at %d/%d", c.rcvNxt, c.sndNxt)
	}
	if err := h.Recv([][]byte{[]byte("12345")}, nil); err != nil {
		t.Fatal(err)
	}
	if c.rcvNxt != 5 || c.sndNxt != 5 {
		t.Errorf("positions %d/%d after echoing 5 bytes", c.rcvNxt, c.sndNxt)
	}
	st := s.Stats()
	if st.Received != 5 || st.Sent != 5 {
		t.Errorf("received=%d sent=%d", st.Received, st.Sent)
	}
}

func TestEchoQueueFull(t *testing.T) {
	s := newServer(t, Config{Mode: ModeEcho, QueueLimit: TxSize})
	pcb := newPCB(0)
	h := accept(t, s, pcb)
	err := h.Recv([][]byte{make([]byte, TxSize)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = h.Recv([][]byte{[]byte("x")}, nil)
	if !errors.Is(err, ErrMem) {
		t.Fatal("want ErrMem on full echo queue, got", err)
	}
	if pcb.recved != 0 {
		t.Error("acknowledged refused data")
	}
}

func TestConfigure(t *testing.T) {
	var s Server
	if err := s.Configure(Config{Mode: 7}); err == nil {
		t.Error("accepted invalid mode")
	}
	if err := s.Configure(Config{QueueLimit: 10}); err == nil {
		t.Error("accepted queue limit smaller than transmit buffer")
	}
	if err := s.Configure(Config{}); err != nil {
		t.Fatal(err)
	}
	accept(t, &s, newPCB(-1))
	if err := s.Configure(Config{}); err == nil {
		t.Error("configured during active connection")
	}
}

func TestZeroServerAccepts(t *testing.T) {
	var s Server
	pcb := newPCB(-1)
	h := accept(t, &s, pcb)
	s.PutByte('z')
	if err := h.Poll(); err != nil {
		t.Fatal(err)
	}
	if string(pcb.out) != "z" {
		t.Errorf("got %q", pcb.out)
	}
}

type fakeListener struct {
	port uint16
	a    Acceptor
}

func (l *fakeListener) ListenTCP(port uint16, a Acceptor) error {
	l.port = port
	l.a = a
	return nil
}

func TestListenDefaultPort(t *testing.T) {
	s := newServer(t, Config{})
	var l fakeListener
	if err := s.Listen(&l, 0); err != nil {
		t.Fatal(err)
	}
	if l.port != DefaultPort || l.a != s {
		t.Errorf("listened on %d with %v", l.port, l.a)
	}
}
