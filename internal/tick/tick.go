// Package tick derives a millisecond clock from a free-running hardware cycle counter.
package tick

import (
	"errors"
	"time"

	"golang.org/x/exp/constraints"
)

// Freq is the frequency of the clock produced by [Clock], in Hz.
const Freq = 1000

// Clock advances a millisecond time of day from samples of a cycle counter of
// type T. Counter wraparound is handled as long as it is sampled at least once
// per counter period. Cycles that do not add up to a whole millisecond are
// carried over to the next update.
type Clock[T constraints.Unsigned] struct {
	base    T // Counter value accounted for in now.
	now     uint32
	cpuFreq uint64
}

var errZeroFreq = errors.New("tick: zero counter frequency")

// Reset starts the clock at time zero from the counter value counter, which
// increments at cpuFreq Hz.
func (c *Clock[T]) Reset(counter T, cpuFreq uint64) error {
	if cpuFreq == 0 {
		return errZeroFreq
	}
	*c = Clock[T]{base: counter, cpuFreq: cpuFreq}
	return nil
}

// Update accounts for the cycles elapsed up to counter and returns the new time in milliseconds.
func (c *Clock[T]) Update(counter T) uint32 {
	delta := counter - c.base
	ms := uint64(delta) * Freq / c.cpuFreq
	c.base += T(ms * c.cpuFreq / Freq)
	c.now += uint32(ms)
	return c.now
}

// Now returns the time in milliseconds as of the last update.
func (c *Clock[T]) Now() uint32 { return c.now }

// Elapsed returns the time between mark and now, valid across wraparound.
func Elapsed[T constraints.Unsigned](now, mark T) T {
	return now - mark
}

// Due reports whether interval has elapsed since *mark. When it has, *mark is set to now.
func Due[T constraints.Unsigned](now T, mark *T, interval T) bool {
	if Elapsed(now, *mark) < interval {
		return false
	}
	*mark = now
	return true
}

// HostCounter returns a nanosecond counter for hosted builds where no hardware
// cycle counter is reachable. It counts at 1e9 Hz.
func HostCounter() func() uint64 {
	start := time.Now()
	return func() uint64 {
		return uint64(time.Since(start))
	}
}
