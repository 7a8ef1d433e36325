package tickloop

import (
	"context"
	"sync"
)

// ItemState is the lifecycle of a queued work item. Transitions only move forward:
// Pending -> Running -> Completed|Faulted, or Pending -> Cancelled.
type ItemState int32

const (
	Pending ItemState = iota
	Running
	Completed
	Faulted
	Cancelled
)

func (s ItemState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Faulted:
		return "faulted"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a final state.
func (s ItemState) Terminal() bool { return s == Completed || s == Faulted || s == Cancelled }

// Future is the caller's handle on a work item. It resolves exactly once.
type Future[T any] struct {
	id   string
	done chan struct{}

	mu    sync.Mutex
	state ItemState
	value T
	err   error
}

func newFuture[T any](id string) *Future[T] {
	return &Future[T]{id: id, done: make(chan struct{})}
}

func (f *Future[T]) ID() string { return f.id }

// Done is closed once the future reaches a terminal state.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

func (f *Future[T]) State() ItemState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Wait blocks until the future resolves or ctx is done.
// A ctx error does not cancel the item; use the enqueue context for that.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Resolved reports whether the future has reached a terminal state.
func (f *Future[T]) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome without blocking. While unresolved it returns
// the zero value and a nil error; check Resolved first.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// Err returns the resolution error, or nil while unresolved or on success.
func (f *Future[T]) Err() error {
	_, err := f.Result()
	return err
}

func (f *Future[T]) itemID() string { return f.id }

func (f *Future[T]) start() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Pending {
		return false
	}
	f.state = Running
	return true
}

func (f *Future[T]) complete(v T) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Running {
		return false
	}
	f.value = v
	f.state = Completed
	close(f.done)
	return true
}

func (f *Future[T]) fail(err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Running {
		return false
	}
	f.err = err
	f.state = Faulted
	close(f.done)
	return true
}

func (f *Future[T]) cancel(err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Pending {
		return false
	}
	f.err = err
	f.state = Cancelled
	close(f.done)
	return true
}

// settler is the type-erased view of *Future[T] the loop works with.
type settler interface {
	itemID() string
	State() ItemState
	start() bool
	fail(err error) bool
	cancel(err error) bool
}
