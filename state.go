package ethcomm

// State enumerates the states a relayed connection progresses through.
//
//go:generate stringer -type=State -trimprefix=State
type State uint8

const (
	// StateNone is the state of a free connection slot.
	StateNone State = iota
	// ACCEPTED - the stack handed over a new connection and no data has arrived yet.
	StateAccepted
	// RECEIVED - at least one segment has been received. The normal state while
	// data flows in both directions.
	StateReceived
	// CLOSING - the peer closed its side. Queued data is still flushed before
	// the connection is closed and its slot released.
	StateClosing
)
