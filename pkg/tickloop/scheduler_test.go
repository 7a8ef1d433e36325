package tickloop_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"ticksched/internal/eventbus"
	"ticksched/pkg/clock"
	"ticksched/pkg/tickloop"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

var _ = Describe("Scheduler", func() {
	var s *tickloop.Scheduler

	AfterEach(func() {
		if s != nil {
			s.Cancel()
			Eventually(s.Done(), 2*time.Second).Should(BeClosed())
		}
	})

	Describe("Lifecycle", func() {
		It("should reject a second Start", func() {
			s = tickloop.New(tickloop.WithInterval(time.Millisecond))
			Expect(s.State()).To(Equal(tickloop.StateIdle))
			Expect(s.Start()).To(Succeed())
			Expect(s.State()).To(Equal(tickloop.StateRunning))
			Expect(s.Start()).To(MatchError(tickloop.ErrAlreadyStarted))
		})

		It("should treat Cancel as idempotent and unblock Wait from many goroutines", func() {
			s = tickloop.New(tickloop.WithInterval(time.Millisecond))
			Expect(s.Start()).To(Succeed())

			var waiters sync.WaitGroup
			for i := 0; i < 4; i++ {
				waiters.Add(1)
				go func() {
					defer waiters.Done()
					s.Wait()
				}()
			}
			s.Cancel()
			s.Cancel()

			done := make(chan struct{})
			go func() { waiters.Wait(); close(done) }()
			Eventually(done, time.Second).Should(BeClosed())
			Expect(s.State()).To(Equal(tickloop.StateStopped))
			Expect(s.Start()).To(MatchError(tickloop.ErrStopped))
		})

		It("should stop in place when cancelled before Start", func() {
			s = tickloop.New()
			f := s.Enqueue(func(ctx context.Context) error { return nil })
			s.Cancel()

			Expect(s.WaitContext(context.Background())).To(Succeed())
			Expect(f.Resolved()).To(BeTrue())
			Expect(f.State()).To(Equal(tickloop.Cancelled))
			Expect(f.Err()).To(MatchError(tickloop.ErrStopped))
		})
	})

	Describe("Work items", func() {
		It("should resolve futures in push order, one per tick, with their own values", func() {
			s = tickloop.New(tickloop.WithInterval(0))

			var ranAt []uint64
			futures := make([]*tickloop.Future[string], 0, 3)
			for _, name := range []string{"A", "B", "C"} {
				name := name
				futures = append(futures, tickloop.Submit(s, func(ctx context.Context) (string, error) {
					ranAt = append(ranAt, s.Snapshot().Ticks)
					return "result-" + name, nil
				}))
			}
			Expect(s.Start()).To(Succeed())

			for i, name := range []string{"A", "B", "C"} {
				v, err := futures[i].Wait(context.Background())
				Expect(err).NotTo(HaveOccurred())
				Expect(v).To(Equal("result-" + name))
				Expect(futures[i].State()).To(Equal(tickloop.Completed))
			}
			Expect(ranAt).To(HaveLen(3))
			Expect(ranAt[1]).To(Equal(ranAt[0] + 1))
			Expect(ranAt[2]).To(Equal(ranAt[1] + 1))
		})

		It("should run the item before the tick subscribers of the same tick", func() {
			s = tickloop.New(tickloop.WithInterval(0))
			rec := &recorder{}
			itemDone := false
			unsub := s.Subscribe(func() {
				if itemDone {
					rec.add("tick-after-item")
					itemDone = false
				}
			})
			defer unsub()

			f := s.Enqueue(func(ctx context.Context) error {
				rec.add("item")
				itemDone = true
				return nil
			})
			Expect(s.Start()).To(Succeed())
			Eventually(f.Done(), time.Second).Should(BeClosed())
			Eventually(rec.list, time.Second).Should(Equal([]string{"item", "tick-after-item"}))
		})

		It("should never run an item whose context is already cancelled", func() {
			s = tickloop.New(tickloop.WithInterval(0))
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			var ran atomic.Bool
			f := tickloop.SubmitContext(ctx, s, func(ctx context.Context) (int, error) {
				ran.Store(true)
				return 1, nil
			})
			Expect(s.Start()).To(Succeed())

			Eventually(f.Done(), time.Second).Should(BeClosed())
			Expect(f.State()).To(Equal(tickloop.Cancelled))
			Expect(f.Err()).To(MatchError(tickloop.ErrCancelled))
			Expect(errors.Is(f.Err(), context.Canceled)).To(BeTrue())
			Expect(ran.Load()).To(BeFalse())
			Expect(s.Snapshot().Cancelled).To(Equal(uint64(1)))
		})

		It("should report the context cause of a cancelled item", func() {
			s = tickloop.New(tickloop.WithInterval(0))
			cause := errors.New("user navigated away")
			ctx, cancel := context.WithCancelCause(context.Background())
			cancel(cause)

			f := s.EnqueueContext(ctx, func(ctx context.Context) error { return nil })
			Expect(s.Start()).To(Succeed())
			Eventually(f.Done(), time.Second).Should(BeClosed())
			Expect(errors.Is(f.Err(), cause)).To(BeTrue())
		})

		It("should fault an item that returns an error and keep going", func() {
			s = tickloop.New(tickloop.WithInterval(0))
			boom := errors.New("boom")

			bad := s.Enqueue(func(ctx context.Context) error { return boom })
			good := tickloop.Submit(s, func(ctx context.Context) (int, error) { return 42, nil })
			Expect(s.Start()).To(Succeed())

			_, err := bad.Wait(context.Background())
			Expect(err).To(MatchError(tickloop.ErrFaulted))
			Expect(errors.Is(err, boom)).To(BeTrue())
			Expect(bad.State()).To(Equal(tickloop.Faulted))

			v, err := good.Wait(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(42))

			ticks := s.Snapshot().Ticks
			Eventually(func() uint64 { return s.Snapshot().Ticks }, time.Second).Should(BeNumerically(">", ticks))
		})

		It("should fault an item that panics without killing the loop", func() {
			s = tickloop.New(tickloop.WithInterval(0))
			bad := tickloop.Submit(s, func(ctx context.Context) (string, error) {
				panic("kaboom")
			})
			after := tickloop.Submit(s, func(ctx context.Context) (string, error) { return "still alive", nil })
			Expect(s.Start()).To(Succeed())

			_, err := bad.Wait(context.Background())
			var fe *tickloop.FaultError
			Expect(errors.As(err, &fe)).To(BeTrue())
			Expect(fe.Panic).To(Equal("kaboom"))
			Expect(fe.Stack).NotTo(BeEmpty())

			v, err := after.Wait(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal("still alive"))
			Expect(s.Snapshot().Faulted).To(Equal(uint64(1)))
		})

		It("should execute every item exactly once under concurrent producers", func() {
			const producers, perProducer = 8, 250
			s = tickloop.New(tickloop.WithInterval(0))
			Expect(s.Start()).To(Succeed())

			seen := make(map[int]int) // touched only on the loop goroutine
			var wg sync.WaitGroup
			futures := make(chan *tickloop.Future[struct{}], producers*perProducer)
			for p := 0; p < producers; p++ {
				wg.Add(1)
				go func(p int) {
					defer wg.Done()
					for i := 0; i < perProducer; i++ {
						v := p*perProducer + i
						futures <- s.Enqueue(func(ctx context.Context) error {
							seen[v]++
							return nil
						})
					}
				}(p)
			}
			wg.Wait()
			close(futures)

			for f := range futures {
				Eventually(f.Done(), 5*time.Second).Should(BeClosed())
				Expect(f.Err()).NotTo(HaveOccurred())
			}
			total := tickloop.Submit(s, func(ctx context.Context) (int, error) {
				for v, n := range seen {
					if n != 1 {
						return 0, fmt.Errorf("item %d ran %d times", v, n)
					}
				}
				return len(seen), nil
			})
			n, err := total.Wait(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(producers * perProducer))
		})
	})

	Describe("Shutdown", func() {
		It("should resolve queued items with ErrStopped and return promptly", func() {
			s = tickloop.New(tickloop.WithInterval(time.Hour))
			Expect(s.Start()).To(Succeed())

			var ran atomic.Int32
			futures := make([]*tickloop.Future[struct{}], 0, 100)
			for i := 0; i < 100; i++ {
				futures = append(futures, s.Enqueue(func(ctx context.Context) error {
					ran.Add(1)
					return nil
				}))
			}
			s.Cancel()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			Expect(s.WaitContext(ctx)).To(Succeed())

			for _, f := range futures {
				Expect(f.Resolved()).To(BeTrue())
				Expect(f.Err()).To(MatchError(tickloop.ErrStopped))
				Expect(f.Err()).To(MatchError(tickloop.ErrCancelled))
			}
			Expect(ran.Load()).To(BeZero())
		})

		It("should let the in-flight item finish before stopping", func() {
			s = tickloop.New(tickloop.WithInterval(0))
			started := make(chan struct{})
			unblock := make(chan struct{})
			f := s.Enqueue(func(ctx context.Context) error {
				close(started)
				<-unblock
				return nil
			})
			Expect(s.Start()).To(Succeed())
			Eventually(started, time.Second).Should(BeClosed())

			s.Cancel()
			Consistently(s.Done(), 100*time.Millisecond).ShouldNot(BeClosed())
			close(unblock)
			Eventually(s.Done(), time.Second).Should(BeClosed())
			Expect(f.State()).To(Equal(tickloop.Completed))
		})

		It("should resolve items enqueued after shutdown immediately", func() {
			s = tickloop.New(tickloop.WithInterval(time.Millisecond))
			Expect(s.Start()).To(Succeed())
			s.Cancel()
			s.Wait()

			f := tickloop.Submit(s, func(ctx context.Context) (int, error) { return 1, nil })
			Expect(f.Resolved()).To(BeTrue())
			Expect(f.Err()).To(MatchError(tickloop.ErrStopped))
		})
	})

	Describe("Tick subscribers", func() {
		It("should call subscribers in order and survive a panicking one", func() {
			s = tickloop.New(tickloop.WithInterval(time.Millisecond))
			rec := &recorder{}
			var ticks atomic.Int32
			s.Subscribe(func() {
				if ticks.Add(1) <= 2 {
					rec.add("first")
				}
			})
			s.Subscribe(func() { panic("subscriber failure") })
			s.Subscribe(func() {
				if ticks.Load() <= 2 {
					rec.add("third")
				}
			})
			Expect(s.Start()).To(Succeed())

			Eventually(rec.list, time.Second).Should(Equal([]string{"first", "third", "first", "third"}))
			Eventually(func() uint64 { return s.Snapshot().SubscriberFailures }, time.Second).Should(BeNumerically(">=", 2))
			Expect(s.State()).To(Equal(tickloop.StateRunning))
		})

		It("should apply subscribe and unsubscribe from inside a tick on the next tick", func() {
			s = tickloop.New(tickloop.WithInterval(time.Millisecond))
			var lateCalls atomic.Int32
			var selfCalls atomic.Int32
			var unsubSelf func()
			var once sync.Once
			unsubSelf = s.Subscribe(func() {
				selfCalls.Add(1)
				once.Do(func() {
					s.Subscribe(func() { lateCalls.Add(1) })
					unsubSelf()
				})
			})
			Expect(s.Start()).To(Succeed())

			Eventually(lateCalls.Load, time.Second).Should(BeNumerically(">=", 3))
			Expect(selfCalls.Load()).To(Equal(int32(1)))
			Expect(s.Snapshot().Subscribers).To(Equal(1))
		})

		It("should fire ticks with an empty queue", func() {
			s = tickloop.New(tickloop.WithInterval(time.Millisecond))
			var n atomic.Int32
			s.Subscribe(func() { n.Add(1) })
			Expect(s.Start()).To(Succeed())
			Eventually(n.Load, time.Second).Should(BeNumerically(">=", 10))
		})
	})

	Describe("Cadence", func() {
		It("should tick at roughly 1000/interval per second", func() {
			const interval = 10 * time.Millisecond
			const want = 60
			s = tickloop.New(tickloop.WithInterval(interval))

			var mu sync.Mutex
			var stamps []time.Time
			s.Subscribe(func() {
				mu.Lock()
				if len(stamps) < want {
					stamps = append(stamps, time.Now())
				}
				mu.Unlock()
			})
			Expect(s.Start()).To(Succeed())

			Eventually(func() int {
				mu.Lock()
				defer mu.Unlock()
				return len(stamps)
			}, 5*time.Second, 10*time.Millisecond).Should(Equal(want))

			mu.Lock()
			span := stamps[len(stamps)-1].Sub(stamps[0])
			mu.Unlock()
			rate := float64(want-1) / span.Seconds()
			expected := float64(time.Second) / float64(interval)
			Expect(rate).To(BeNumerically("<=", expected*1.05))
			Expect(rate).To(BeNumerically(">=", expected*0.5))
		})

		It("should pick up a new interval within one polling cycle", func() {
			s = tickloop.New(tickloop.WithInterval(time.Hour))
			var n atomic.Int32
			s.Subscribe(func() { n.Add(1) })
			Expect(s.Start()).To(Succeed())

			Consistently(n.Load, 100*time.Millisecond).Should(BeZero())
			s.SetInterval(2 * time.Millisecond)
			Expect(s.Interval()).To(Equal(2 * time.Millisecond))
			Eventually(n.Load, time.Second).Should(BeNumerically(">=", 5))
		})

		It("should wait on the injected clock", func() {
			mc := clock.NewManual(time.Unix(1700000000, 0))
			s = tickloop.New(tickloop.WithClock(mc), tickloop.WithInterval(20*time.Millisecond))
			var n atomic.Int32
			s.Subscribe(func() { n.Add(1) })
			Expect(s.Start()).To(Succeed())

			Consistently(n.Load, 100*time.Millisecond).Should(BeZero())
			mc.Advance(20 * time.Millisecond)
			Eventually(n.Load, time.Second).Should(Equal(int32(1)))
			Consistently(n.Load, 100*time.Millisecond).Should(Equal(int32(1)))
			Expect(s.Snapshot().LastTick).To(BeTemporally("==", mc.Now()))
		})

		It("should tick in spin mode", func() {
			s = tickloop.New(tickloop.WithInterval(time.Millisecond), tickloop.WithPollMode(tickloop.PollSpin))
			var n atomic.Int32
			s.Subscribe(func() { n.Add(1) })
			Expect(s.Start()).To(Succeed())
			Eventually(n.Load, time.Second).Should(BeNumerically(">=", 10))
		})

		It("should run every item on the locked loop thread", func() {
			s = tickloop.New(tickloop.WithInterval(0), tickloop.WithLockOSThread(true))
			Expect(s.Start()).To(Succeed())
			f := tickloop.Submit(s, func(ctx context.Context) (bool, error) { return true, nil })
			v, err := f.Wait(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(BeTrue())
		})
	})

	Describe("Events", func() {
		It("should publish task and loop lifecycle events", func() {
			bus := eventbus.New()
			events, unsub := bus.Subscribe(64)
			defer unsub()

			s = tickloop.New(tickloop.WithInterval(0), tickloop.WithBus(bus), tickloop.WithName("events"))
			ok := s.Enqueue(func(ctx context.Context) error { return nil })
			bad := s.Enqueue(func(ctx context.Context) error { return errors.New("nope") })
			Expect(s.Start()).To(Succeed())
			Eventually(ok.Done(), time.Second).Should(BeClosed())
			Eventually(bad.Done(), time.Second).Should(BeClosed())
			s.Cancel()
			s.Wait()

			var types []string
			for len(events) > 0 {
				e := <-events
				types = append(types, e.Type)
				if te, isTask := e.Data.(tickloop.TaskEvent); isTask {
					Expect(te.Loop).To(Equal("events"))
				}
			}
			Expect(types).To(Equal([]string{
				tickloop.EventLoopStarted,
				tickloop.EventTaskCompleted,
				tickloop.EventTaskFaulted,
				tickloop.EventLoopStopped,
			}))
		})

		It("should publish a cancelled event for an enqueue after stop", func() {
			bus := eventbus.New()
			events, unsub := bus.Subscribe(16)
			defer unsub()

			s = tickloop.New(tickloop.WithBus(bus), tickloop.WithName("late"))
			s.Cancel()
			s.Wait()
			for len(events) > 0 {
				<-events
			}

			f := s.Enqueue(func(ctx context.Context) error { return nil })
			Expect(f.Err()).To(MatchError(tickloop.ErrStopped))
			Expect(s.Snapshot().Cancelled).To(Equal(uint64(1)))

			var e eventbus.Event
			Eventually(events).Should(Receive(&e))
			Expect(e.Type).To(Equal(tickloop.EventTaskCancelled))
			te, isTask := e.Data.(tickloop.TaskEvent)
			Expect(isTask).To(BeTrue())
			Expect(te.ID).To(Equal(f.ID()))
			Expect(te.Loop).To(Equal("late"))
			Expect(te.Error).To(Equal(tickloop.ErrStopped.Error()))
		})
	})
})
