package tickloop

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	logx "ticksched/pkg/logx"
)

type item struct {
	fut      settler
	ctx      context.Context
	run      func(ctx context.Context) error
	queuedAt time.Time
}

func (s *Scheduler) run() {
	defer close(s.done)
	if s.lockThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	last := s.clock.Now()
	s.log.Info("loop started", logx.Duration("interval", s.Interval()), logx.String("poll", s.mode.String()), logx.Bool("locked_thread", s.lockThread))
	s.publish(EventLoopStarted, LoopEvent{Loop: s.name, Interval: s.Interval()})

	for !s.shutdown.Load() {
		interval := s.Interval()
		elapsed := s.clock.Now().Sub(last)
		if elapsed < interval {
			timer = s.idle(timer, interval-elapsed)
			continue
		}

		s.tick()

		last = s.clock.Now()
		s.lastTick.Store(last.UnixNano())
		s.ticks.Add(1)
	}

	s.lifeMu.Lock()
	s.state.Store(int32(StateDraining))
	drained := s.drain()
	s.state.Store(int32(StateStopped))
	s.lifeMu.Unlock()

	ticks := s.ticks.Load()
	s.log.Info("loop stopped", logx.Uint64("ticks", ticks), logx.Int("drained", drained))
	s.publish(EventLoopStopped, LoopEvent{Loop: s.name, Interval: s.Interval(), Ticks: ticks, Drained: drained})
}

// idle waits for roughly d, or less if woken by Cancel/SetInterval.
func (s *Scheduler) idle(timer *time.Timer, d time.Duration) *time.Timer {
	if s.mode == PollSpin {
		runtime.Gosched()
		return timer
	}
	if timer == nil {
		timer = time.NewTimer(d)
	} else {
		timer.Reset(d)
	}
	select {
	case <-timer.C:
	case <-s.wake:
		timer.Stop()
	}
	return timer
}

// tick is one due iteration: at most one item, then every subscriber.
func (s *Scheduler) tick() {
	if it, ok := s.queue.TryPop(); ok {
		s.execute(it)
	}
	s.fireSubscribers()
}

func (s *Scheduler) execute(it *item) {
	start := s.clock.Now()
	queueDelay := start.Sub(it.queuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}

	if it.ctx.Err() != nil {
		err := cancelledBy(context.Cause(it.ctx))
		if it.fut.cancel(err) {
			s.cancelled.Add(1)
			s.log.Debug("task.cancelled", logx.String("id", it.fut.itemID()), logx.Err(err))
			s.publish(EventTaskCancelled, TaskEvent{ID: it.fut.itemID(), Loop: s.name, State: Cancelled.String(), QueueDelay: queueDelay, Error: err.Error()})
		}
		return
	}

	if !it.fut.start() {
		return
	}
	fault := s.invoke(it)
	dur := s.clock.Now().Sub(start)

	if fault != nil {
		it.fut.fail(fault)
		s.faulted.Add(1)
		if s.warnLimiter.Allow() {
			s.log.Warn("task.faulted", logx.String("id", it.fut.itemID()), logx.Err(fault), logx.Duration("dur", dur), logx.Stack(fault.Stack))
		}
		s.publish(EventTaskFaulted, TaskEvent{ID: it.fut.itemID(), Loop: s.name, State: Faulted.String(), QueueDelay: queueDelay, Duration: dur, Error: fault.Error()})
		return
	}

	s.completed.Add(1)
	s.log.Debug("task.completed", logx.String("id", it.fut.itemID()), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
	s.publish(EventTaskCompleted, TaskEvent{ID: it.fut.itemID(), Loop: s.name, State: Completed.String(), QueueDelay: queueDelay, Duration: dur})
}

// invoke runs the item's action. Panics become faults so one bad item
// cannot take the loop down.
func (s *Scheduler) invoke(it *item) (fault *FaultError) {
	defer func() {
		if r := recover(); r != nil {
			fault = faultFromPanic(r, debug.Stack())
		}
	}()
	if err := it.run(it.ctx); err != nil {
		return &FaultError{Err: err}
	}
	return nil
}

func (s *Scheduler) fireSubscribers() {
	for _, sub := range s.subs.snapshot() {
		s.callSubscriber(sub)
	}
}

func (s *Scheduler) callSubscriber(sub subscription) {
	defer func() {
		if r := recover(); r != nil {
			s.subscriberFailures.Add(1)
			if s.warnLimiter.Allow() {
				s.log.Warn("tick subscriber panicked", logx.Uint64("subscriber", sub.id), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}
	}()
	sub.fn()
}

// drain resolves every queued item with ErrStopped. Callers hold lifeMu.
func (s *Scheduler) drain() int {
	rest := s.queue.Drain()
	for _, it := range rest {
		if it.fut.cancel(ErrStopped) {
			s.cancelled.Add(1)
			s.publish(EventTaskCancelled, TaskEvent{ID: it.fut.itemID(), Loop: s.name, State: Cancelled.String(), Error: ErrStopped.Error()})
		}
	}
	return len(rest)
}
