package ethcomm

// rxRing is a lossy byte ring. When full, a write evicts the oldest unread byte.
// Read and write positions run freely and are masked on access, so all RxSize
// slots hold data.
type rxRing struct {
	buf [RxSize]byte
	r   uint32
	w   uint32
}

// compile time check that RxSize is a power of two.
var _ = [1]struct{}{}[RxSize&(RxSize-1)]

// put appends b and reports how many unread bytes were overwritten.
func (rb *rxRing) put(b []byte) (overwritten int) {
	for _, c := range b {
		rb.buf[rb.w&(RxSize-1)] = c
		rb.w++
		if rb.w-rb.r > RxSize {
			rb.r++
			overwritten++
		}
	}
	return overwritten
}

func (rb *rxRing) get() (byte, bool) {
	if rb.r == rb.w {
		return 0, false
	}
	c := rb.buf[rb.r&(RxSize-1)]
	rb.r++
	return c, true
}

func (rb *rxRing) buffered() int { return int(rb.w - rb.r) }

func (rb *rxRing) reset() {
	rb.r = 0
	rb.w = 0
}

// txBuffer is the linear application transmit array. Appends past capacity are dropped.
type txBuffer struct {
	buf   [TxSize]byte
	begin uint16
	end   uint16
}

func (tb *txBuffer) putByte(c byte) bool {
	if tb.end >= TxSize {
		return false
	}
	tb.buf[tb.end] = c
	tb.end++
	return true
}

// pending returns the unflushed span. The slice aliases the buffer.
func (tb *txBuffer) pending() []byte {
	if tb.end <= tb.begin {
		return nil
	}
	return tb.buf[:tb.end]
}

func (tb *txBuffer) reset() {
	tb.begin = 0
	tb.end = 0
}
