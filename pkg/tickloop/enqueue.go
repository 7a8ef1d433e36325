package tickloop

import (
	"context"

	"github.com/google/uuid"

	logx "ticksched/pkg/logx"
)

// Action is a unit of work with no result.
type Action func(ctx context.Context) error

// Work is a unit of work producing a T.
type Work[T any] func(ctx context.Context) (T, error)

// Enqueue queues fn for the loop and returns immediately.
func (s *Scheduler) Enqueue(fn Action) *Future[struct{}] {
	return s.EnqueueContext(context.Background(), fn)
}

// EnqueueContext is Enqueue with a cancellation signal: if ctx is done by the
// time the item reaches the head of the queue, fn never runs and the future
// resolves with ErrCancelled. fn receives ctx.
func (s *Scheduler) EnqueueContext(ctx context.Context, fn Action) *Future[struct{}] {
	return enqueue(ctx, s, func(c context.Context) (struct{}, error) {
		return struct{}{}, fn(c)
	})
}

// Submit queues fn for the loop and returns a future for its value.
func Submit[T any](s *Scheduler, fn Work[T]) *Future[T] {
	return enqueue(context.Background(), s, fn)
}

// SubmitContext is Submit with a cancellation signal, see EnqueueContext.
func SubmitContext[T any](ctx context.Context, s *Scheduler, fn Work[T]) *Future[T] {
	return enqueue(ctx, s, fn)
}

func enqueue[T any](ctx context.Context, s *Scheduler, fn Work[T]) *Future[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	f := newFuture[T](uuid.NewString())
	it := &item{
		fut:      f,
		ctx:      ctx,
		queuedAt: s.clock.Now(),
		run: func(c context.Context) error {
			v, err := fn(c)
			if err != nil {
				return err
			}
			f.complete(v)
			return nil
		},
	}
	if !s.queue.Push(it) {
		// Drained already: the loop will never see this item.
		if f.cancel(ErrStopped) {
			s.cancelled.Add(1)
			s.log.Debug("enqueue after stop", logx.String("id", f.id))
			s.publish(EventTaskCancelled, TaskEvent{ID: f.id, Loop: s.name, State: Cancelled.String(), Error: ErrStopped.Error()})
		}
	}
	return f
}
