package tickloop

import (
	"sync"
	"sync/atomic"
)

type subscription struct {
	id uint64
	fn func()
}

// subscriberList is copy-on-write: the loop iterates an immutable snapshot,
// so Subscribe/unsubscribe during a tick only affect the next tick.
type subscriberList struct {
	mu  sync.Mutex
	seq uint64
	cur atomic.Pointer[[]subscription]
}

func (l *subscriberList) add(fn func()) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	old := l.snapshot()
	next := make([]subscription, len(old), len(old)+1)
	copy(next, old)
	next = append(next, subscription{id: l.seq, fn: fn})
	l.cur.Store(&next)
	return l.seq
}

func (l *subscriberList) remove(id uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	old := l.snapshot()
	next := make([]subscription, 0, len(old))
	for _, sub := range old {
		if sub.id != id {
			next = append(next, sub)
		}
	}
	if len(next) == len(old) {
		return false
	}
	l.cur.Store(&next)
	return true
}

func (l *subscriberList) snapshot() []subscription {
	if p := l.cur.Load(); p != nil {
		return *p
	}
	return nil
}

func (l *subscriberList) len() int { return len(l.snapshot()) }

// Subscribe registers fn to run on the loop goroutine at every tick, after the
// tick's work item. Subscribers run in registration order. The returned function
// removes fn; it is safe to call more than once and from any goroutine.
func (s *Scheduler) Subscribe(fn func()) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	id := s.subs.add(fn)
	var once sync.Once
	return func() {
		once.Do(func() { s.subs.remove(id) })
	}
}
