// Package netloop implements a cooperative super-loop that pumps a network stack
// and services its periodic timers on fixed millisecond intervals, together with
// a DHCP lease poller that falls back to static addressing.
package netloop

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/soypat/ethcomm/internal/tick"
)

// Default timer intervals in milliseconds.
const (
	ARPInterval        = 5000
	TCPInterval        = 250
	DHCPFineInterval   = 500
	DHCPCoarseInterval = 60000
	StatusInterval     = 500
)

// Stack is the network stack driven by a [Loop]. No method may block.
type Stack interface {
	// Input processes received frames and pending output. It returns
	// the number of bytes moved in either direction.
	Input() (int, error)
	// ARPTimer ages the ARP cache.
	ARPTimer()
	// TCPTimer runs the TCP protocol timer, which also drives connection polls.
	TCPTimer()
}

// Config configures a [Loop]. Zero intervals select the package defaults.
type Config struct {
	Stack Stack
	// DHCP enables lease polling when non-nil. The poller's client receives the
	// fine and coarse DHCP timers.
	DHCP *DHCPPoller
	// Status, if set, is toggled every StatusInterval.
	Status func(on bool)

	ARPInterval        uint32
	TCPInterval        uint32
	DHCPFineInterval   uint32
	DHCPCoarseInterval uint32
	StatusInterval     uint32
	// Idle is how long Run sleeps after a step that moved no data. Defaults to 1ms.
	Idle   time.Duration
	Logger *slog.Logger
}

// Loop runs one network stack on a single goroutine. It is not safe for concurrent use.
type Loop struct {
	stack    Stack
	dhcp     *DHCPPoller
	status   func(bool)
	statusOn bool
	idle     time.Duration
	logger   *slog.Logger

	now       uint32
	intervals [numTimers]uint32
	marks     [numTimers]uint32
	stats     Stats
}

// Stats counts timer firings and input errors.
type Stats struct {
	Steps       uint64
	InputErrors uint64
	// DHCPErrors counts failed DHCP poller steps. Failed steps are retried on
	// the next fine timer.
	DHCPErrors  uint64
	Fired       [numTimers]uint64
}

// Timer identifies a periodic timer serviced by the loop.
type Timer uint8

const (
	TimerARP Timer = iota
	TimerTCP
	TimerDHCPFine
	TimerDHCPCoarse
	TimerStatus
	numTimers
)

var errNoStack = errors.New("netloop: nil stack")

// Reset configures the loop and starts all timers at time zero.
func (l *Loop) Reset(cfg Config) error {
	if cfg.Stack == nil {
		return errNoStack
	}
	*l = Loop{
		stack:  cfg.Stack,
		dhcp:   cfg.DHCP,
		status: cfg.Status,
		idle:   cfg.Idle,
		logger: cfg.Logger,
	}
	if l.idle <= 0 {
		l.idle = time.Millisecond
	}
	l.intervals = [numTimers]uint32{
		TimerARP:        orDefault(cfg.ARPInterval, ARPInterval),
		TimerTCP:        orDefault(cfg.TCPInterval, TCPInterval),
		TimerDHCPFine:   orDefault(cfg.DHCPFineInterval, DHCPFineInterval),
		TimerDHCPCoarse: orDefault(cfg.DHCPCoarseInterval, DHCPCoarseInterval),
		TimerStatus:     orDefault(cfg.StatusInterval, StatusInterval),
	}
	return nil
}

// Now returns the time of the last step in milliseconds.
func (l *Loop) Now() uint32 { return l.now }

// Stats returns the loop counters.
func (l *Loop) Stats() Stats { return l.stats }

// Step runs one loop iteration at time now, in milliseconds. It pumps the stack
// input and fires every timer whose interval elapsed. It returns the number of
// bytes the input pump moved.
func (l *Loop) Step(now uint32) int {
	l.now = now
	l.stats.Steps++
	n, err := l.stack.Input()
	if err != nil {
		l.stats.InputErrors++
		l.logerr("loop:input", slog.String("err", err.Error()))
	}
	if l.due(TimerARP) {
		l.stack.ARPTimer()
	}
	if l.due(TimerTCP) {
		l.stack.TCPTimer()
	}
	if l.dhcp != nil {
		if l.due(TimerDHCPFine) {
			l.dhcp.client.FineTimer()
			if !l.dhcp.State().IsTerminal() {
				err := l.dhcp.Poll()
				if err != nil {
					l.stats.DHCPErrors++
					l.logerr("loop:dhcp", slog.String("err", err.Error()))
				}
			}
		}
		if l.due(TimerDHCPCoarse) {
			l.dhcp.client.CoarseTimer()
		}
	}
	if l.status != nil && l.due(TimerStatus) {
		l.statusOn = !l.statusOn
		l.status(l.statusOn)
	}
	return n
}

// Run steps the loop until ctx is done. counter is a free-running cycle counter
// incrementing at cpuFreq Hz from which the loop derives its millisecond clock.
func (l *Loop) Run(ctx context.Context, counter func() uint64, cpuFreq uint64) error {
	if l.stack == nil {
		return errNoStack
	}
	var clock tick.Clock[uint64]
	err := clock.Reset(counter(), cpuFreq)
	if err != nil {
		return err
	}
	l.info("loop:start", slog.Uint64("cpufreq", cpuFreq))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n := l.Step(clock.Update(counter()))
		if n == 0 {
			time.Sleep(l.idle)
		}
	}
}

func (l *Loop) due(t Timer) bool {
	fired := tick.Due(l.now, &l.marks[t], l.intervals[t])
	if fired {
		l.stats.Fired[t]++
		if t != TimerStatus {
			l.trace("loop:timer", slog.Int("timer", int(t)), slog.Uint64("now", uint64(l.now)))
		}
	}
	return fired
}

func orDefault(v, def uint32) uint32 {
	if v == 0 {
		return def
	}
	return v
}

const levelTrace = slog.LevelDebug - 1

func (l *Loop) info(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelInfo, msg, attrs...)
}

func (l *Loop) trace(msg string, attrs ...slog.Attr) {
	l.logattrs(levelTrace, msg, attrs...)
}

func (l *Loop) logerr(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelError, msg, attrs...)
}

func (l *Loop) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if l.logger != nil {
		l.logger.LogAttrs(context.Background(), level, msg, attrs...)
	}
}
