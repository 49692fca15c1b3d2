package ethcomm

// segQueue holds segments awaiting transmission in FIFO order. Segment bytes are
// stored contiguously in a fixed ring; a record per segment tracks how many bytes
// remain and whether they must be acknowledged to the stack once written.
type segQueue struct {
	buf  []byte
	off  int // ring index of the first queued byte.
	n    int // queued bytes.
	segs []segment
	head int // index of first live record in segs.
}

type segment struct {
	n   int
	ack bool
}

func (q *segQueue) init(limit int) {
	if cap(q.buf) < limit {
		q.buf = make([]byte, limit)
	}
	q.buf = q.buf[:limit]
	q.reset()
}

func (q *segQueue) reset() {
	q.off = 0
	q.n = 0
	q.segs = q.segs[:0]
	q.head = 0
}

func (q *segQueue) empty() bool { return q.n == 0 }

// free returns the bytes that can still be pushed.
func (q *segQueue) free() int { return len(q.buf) - q.n }

// push copies b to the back of the queue as a single segment.
func (q *segQueue) push(b []byte, ack bool) error {
	if len(b) == 0 {
		return nil
	} else if len(b) > q.free() {
		return errQueueFull
	}
	w := (q.off + q.n) % len(q.buf)
	c := copy(q.buf[w:], b)
	copy(q.buf, b[c:])
	q.n += len(b)
	q.segs = append(q.segs, segment{n: len(b), ack: ack})
	return nil
}

// front returns the largest contiguous chunk of the first segment.
func (q *segQueue) front() []byte {
	if q.n == 0 {
		return nil
	}
	n := q.segs[q.head].n
	end := q.off + n
	if end > len(q.buf) {
		end = len(q.buf)
	}
	return q.buf[q.off:end]
}

// consume discards n bytes from the front chunk and returns how many of them
// belong to a segment that must be acknowledged.
func (q *segQueue) consume(n int) (ack int) {
	seg := &q.segs[q.head]
	if n > seg.n {
		panic("ethcomm: consume past segment")
	}
	if seg.ack {
		ack = n
	}
	seg.n -= n
	q.n -= n
	q.off = (q.off + n) % len(q.buf)
	if seg.n == 0 {
		q.head++
		if q.head == len(q.segs) {
			q.segs = q.segs[:0]
			q.head = 0
		} else if q.head >= len(q.segs)/2 {
			// Compact so records never outgrow the live segments under backpressure.
			live := copy(q.segs, q.segs[q.head:])
			q.segs = q.segs[:live]
			q.head = 0
		}
	}
	if q.n == 0 {
		q.off = 0
	}
	return ack
}

// unacked returns the queued bytes that still owe a window acknowledgment.
func (q *segQueue) unacked() (n int) {
	for _, seg := range q.segs[q.head:] {
		if seg.ack {
			n += seg.n
		}
	}
	return n
}
