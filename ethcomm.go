// Package ethcomm implements a single-connection TCP byte relay that sits on top of
// a pcb-per-connection network stack. Received bytes are fanned out into a lossy
// receive ring the application polls with [Server.GetByte]; bytes the application
// pushes with [Server.PutByte] are flushed to the peer whenever the stack reports
// progress on the connection.
//
// The Server is driven entirely by stack callbacks ([Acceptor] and [ConnHandler])
// and is not safe for concurrent use. Run it from the same loop that pumps the
// network stack.
package ethcomm

import (
	"errors"
)

const (
	// DefaultPort is the TCP port the relay listens on when none is configured.
	DefaultPort = 10001
	// RxSize is the capacity of the receive ring. Must be a power of two.
	RxSize = 256
	// TxSize is the capacity of the application transmit buffer.
	TxSize = 1024
	// defaultQueueLimit bounds the bytes awaiting transmission on a connection.
	defaultQueueLimit = 8 * TxSize
)

var (
	// ErrMem is returned by Accept when no connection slot is free and by a PCB's
	// Write when its send buffer can take no more data.
	ErrMem = errors.New("ethcomm: out of memory")
	// ErrAbort is returned by a callback after the connection was aborted.
	ErrAbort = errors.New("ethcomm: connection aborted")
	// ErrClosed is returned when operating on a released connection.
	ErrClosed = errors.New("ethcomm: connection closed")

	errQueueFull = errors.New("ethcomm: pending queue full")
	errNilPCB    = errors.New("ethcomm: nil pcb")
)

// Mode selects what the relay does with data received from the peer.
type Mode uint8

const (
	// ModeRelay copies received bytes into the receive ring and flushes whatever
	// the application queued with PutByte. This is the default.
	ModeRelay Mode = iota
	// ModeEcho sends received segments back to the peer. The receive window
	// is reopened as echoed bytes are written.
	ModeEcho
)

func (m Mode) String() string {
	switch m {
	case ModeRelay:
		return "relay"
	case ModeEcho:
		return "echo"
	}
	return "Mode(?)"
}
