package ethcomm

// PCB is the network stack's per-connection handle, known as a protocol control block.
type PCB interface {
	// Write hands b to the stack for transmission and returns how many bytes were
	// accepted. ErrMem signals the send buffer is full and the caller should retry
	// after the stack reports progress. Other errors are fatal to the connection.
	Write(b []byte) (int, error)
	// Recved acknowledges n bytes consumed by the application, reopening the
	// receive window by that amount.
	Recved(n int)
	// Close starts a graceful close. No more callbacks are delivered after Close returns nil.
	Close() error
	// Abort resets the connection. No more callbacks are delivered after Abort.
	Abort()
}

// Acceptor is notified of new connections on a listening port.
type Acceptor interface {
	// Accept is called for each new connection. A non-nil error causes the stack
	// to abort pcb. On success the returned handler receives all further events.
	Accept(pcb PCB) (ConnHandler, error)
}

// ConnHandler receives the events of a single accepted connection. Events are
// delivered synchronously from within the stack's input or timer processing.
type ConnHandler interface {
	// Recv delivers a chain of received segments in stream order. A nil chain
	// means the peer closed its side of the connection. A non-nil err means the
	// segments were received in error and must be discarded; the handler
	// returns err to the stack. Segment memory is only valid during the call.
	Recv(chain [][]byte, err error) error
	// Sent reports that n previously written bytes were acknowledged by the peer.
	Sent(n int) error
	// Poll is invoked periodically while the connection is idle.
	Poll() error
	// Err reports a fatal error. The pcb is already gone when Err is called and
	// no further events follow.
	Err(err error)
}

// Listener is the part of a network stack that accepts TCP connections.
type Listener interface {
	ListenTCP(port uint16, a Acceptor) error
}
