// Package clock abstracts the time source used by the tick loop.
// Production code uses Real(); tests inject a Manual clock and move it by hand.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time. Readings must never move backward
// for the lifetime of the process.
type Clock interface {
	Now() time.Time
}

// Millis returns c's current reading in milliseconds since the Unix epoch.
func Millis(c Clock) float64 {
	return float64(c.Now().UnixNano()) / float64(time.Millisecond)
}

type realClock struct{}

// Real returns the wall clock. time.Now carries a monotonic reading,
// so elapsed values computed with Sub are immune to wall-clock steps.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

// Manual is a clock that only moves when told to.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d. Negative values are ignored.
func (m *Manual) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Set moves the clock to t unless t is before the current reading.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	if t.After(m.now) {
		m.now = t
	}
	m.mu.Unlock()
}
