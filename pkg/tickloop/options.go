package tickloop

import (
	"time"

	"ticksched/internal/eventbus"
	"ticksched/pkg/clock"
	logx "ticksched/pkg/logx"
)

// DefaultInterval is one frame at 60 Hz.
const DefaultInterval = time.Second / 60

// PollMode selects how the loop waits for the next due tick.
type PollMode int

const (
	// PollSleep parks the loop goroutine on a timer until the tick is due.
	// Cancel and SetInterval wake it early.
	PollSleep PollMode = iota
	// PollSpin re-checks the clock continuously, yielding with runtime.Gosched.
	// Lowest latency, one core's worth of CPU.
	PollSpin
)

func (m PollMode) String() string {
	if m == PollSpin {
		return "spin"
	}
	return "sleep"
}

func (m PollMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// ParsePollMode accepts "sleep" or "spin"; anything else is PollSleep.
func ParsePollMode(s string) PollMode {
	if s == "spin" {
		return PollSpin
	}
	return PollSleep
}

type Option func(*Scheduler)

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval.Store(int64(d)) }
}

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithBus publishes task and loop lifecycle events.
func WithBus(bus eventbus.Publisher) Option {
	return func(s *Scheduler) { s.bus = bus }
}

func WithPollMode(m PollMode) Option {
	return func(s *Scheduler) { s.mode = m }
}

// WithLockOSThread pins the loop goroutine to one OS thread for its whole life,
// for work that needs thread affinity (GL contexts, some C libraries).
func WithLockOSThread(enabled bool) Option {
	return func(s *Scheduler) { s.lockThread = enabled }
}

func WithName(name string) Option {
	return func(s *Scheduler) {
		if name != "" {
			s.name = name
		}
	}
}
