// Package tickloop runs work on a single dedicated goroutine at a fixed minimum cadence.
//
// A Scheduler owns one loop goroutine. Any goroutine may queue work on it and get
// a Future back; the loop executes at most one queued item per tick, then calls
// every tick subscriber. Because items and subscribers never run concurrently with
// each other, state touched only from the loop needs no locking.
//
// # Loop iteration
//
//	for !shutdown {
//	    if now - lastTick < interval { wait; continue }
//	    pop one item  -> cancelled? resolve ErrCancelled : run, resolve value/fault
//	    call subscribers in order
//	    lastTick = now
//	}
//	drain queue -> resolve each with ErrStopped
//
// With PollSleep (default) the wait is a timer that Cancel and SetInterval cut
// short. PollSpin re-checks continuously for minimum latency at the cost of a core.
//
// # Futures
//
// Every future reaches exactly one terminal state:
//
//	Completed  the action returned a nil error; Wait returns its value
//	Faulted    the action returned an error or panicked; the error is a *FaultError
//	Cancelled  the enqueue context was done before the item ran (ErrCancelled),
//	           or the scheduler shut down first (ErrStopped)
//
// # Usage
//
//	s := tickloop.New(tickloop.WithInterval(16 * time.Millisecond))
//	unsub := s.Subscribe(func() { world.Step() })
//	defer unsub()
//	_ = s.Start()
//
//	f := tickloop.Submit(s, func(ctx context.Context) (int, error) {
//	    return world.Population(), nil
//	})
//	n, err := f.Wait(ctx)
//
//	s.Cancel()
//	s.Wait()
//
// A work item that never returns stalls the loop: there is no per-item timeout.
package tickloop
