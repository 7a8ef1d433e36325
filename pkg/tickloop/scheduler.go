package tickloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"ticksched/internal/eventbus"
	"ticksched/internal/workqueue"
	"ticksched/pkg/clock"
	logx "ticksched/pkg/logx"
)

// State is the scheduler lifecycle: idle -> running -> draining -> stopped.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Scheduler runs a tick loop on one dedicated goroutine. Every work item and
// every tick subscriber executes on that goroutine, one at a time.
type Scheduler struct {
	name       string
	clock      clock.Clock
	log        logx.Logger
	bus        eventbus.Publisher
	mode       PollMode
	lockThread bool

	interval atomic.Int64 // time.Duration
	state    atomic.Int32
	shutdown atomic.Bool

	lifeMu sync.Mutex // serializes Start against Cancel on an idle scheduler
	done   chan struct{}
	wake   chan struct{}

	queue *workqueue.Queue[*item]
	subs  subscriberList

	// Throttle for warnings emitted from the loop goroutine.
	warnLimiter *rate.Limiter

	ticks              atomic.Uint64
	completed          atomic.Uint64
	faulted            atomic.Uint64
	cancelled          atomic.Uint64
	subscriberFailures atomic.Uint64
	lastTick           atomic.Int64 // unix nanos of the clock reading
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Name               string
	State              State
	Interval           time.Duration
	PollMode           PollMode
	Ticks              uint64
	QueueLen           int
	Subscribers        int
	Completed          uint64
	Faulted            uint64
	Cancelled          uint64
	SubscriberFailures uint64
	LastTick           time.Time
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		name:        "tickloop",
		clock:       clock.Real(),
		done:        make(chan struct{}),
		wake:        make(chan struct{}, 1),
		queue:       workqueue.New[*item](),
		warnLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	s.interval.Store(int64(DefaultInterval))
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("loop", s.name))
	return s
}

func (s *Scheduler) Name() string { return s.name }

func (s *Scheduler) State() State { return State(s.state.Load()) }

// Interval is the minimum spacing between ticks.
func (s *Scheduler) Interval() time.Duration { return time.Duration(s.interval.Load()) }

// SetInterval changes the tick spacing. It takes effect on the loop's next check;
// values <= 0 make every iteration a tick.
func (s *Scheduler) SetInterval(d time.Duration) {
	s.interval.Store(int64(d))
	s.signal()
}

// Start launches the loop goroutine. It can be called once.
func (s *Scheduler) Start() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	switch s.State() {
	case StateIdle:
	case StateStopped:
		return ErrStopped
	default:
		return ErrAlreadyStarted
	}
	s.state.Store(int32(StateRunning))
	go s.run()
	return nil
}

// Cancel requests shutdown. The loop finishes the iteration in progress, resolves
// everything still queued with ErrStopped, and exits. Calling it again is a no-op.
// Cancelling a scheduler that was never started stops it in place.
func (s *Scheduler) Cancel() {
	if !s.shutdown.CompareAndSwap(false, true) {
		return
	}
	s.lifeMu.Lock()
	if s.State() == StateIdle {
		s.state.Store(int32(StateDraining))
		s.drain()
		s.state.Store(int32(StateStopped))
		close(s.done)
	}
	s.lifeMu.Unlock()
	s.signal()
}

// Wait blocks until the loop goroutine has exited. Before Start it blocks until Cancel.
func (s *Scheduler) Wait() { <-s.done }

// WaitContext is Wait bounded by ctx.
func (s *Scheduler) WaitContext(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the scheduler has stopped.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

func (s *Scheduler) Snapshot() Snapshot {
	snap := Snapshot{
		Name:               s.name,
		State:              s.State(),
		Interval:           s.Interval(),
		PollMode:           s.mode,
		Ticks:              s.ticks.Load(),
		QueueLen:           s.queue.Len(),
		Subscribers:        s.subs.len(),
		Completed:          s.completed.Load(),
		Faulted:            s.faulted.Load(),
		Cancelled:          s.cancelled.Load(),
		SubscriberFailures: s.subscriberFailures.Load(),
	}
	if ns := s.lastTick.Load(); ns != 0 {
		snap.LastTick = time.Unix(0, ns)
	}
	return snap
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: data})
}
