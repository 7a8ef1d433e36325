package tickloop

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled resolves a future whose item never ran: its context was done
	// when it reached the head of the queue, or the loop shut down first.
	ErrCancelled = errors.New("tickloop: task cancelled")

	// ErrStopped resolves futures drained at shutdown and items enqueued after it.
	// errors.Is(ErrStopped, ErrCancelled) holds.
	ErrStopped = fmt.Errorf("%w: scheduler stopped", ErrCancelled)

	// ErrFaulted matches every *FaultError via errors.Is.
	ErrFaulted = errors.New("tickloop: task faulted")

	ErrAlreadyStarted = errors.New("tickloop: scheduler already started")
)

// FaultError is the outcome of an action that returned an error or panicked.
type FaultError struct {
	Err   error
	Panic any
	Stack string
}

func (e *FaultError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("tickloop: task panicked: %v", e.Panic)
	}
	return fmt.Sprintf("tickloop: task failed: %v", e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

func (e *FaultError) Is(target error) bool { return target == ErrFaulted }

func cancelledBy(cause error) error {
	if cause == nil {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

func faultFromPanic(r any, stack []byte) *FaultError {
	fe := &FaultError{Panic: r, Stack: string(stack)}
	if err, ok := r.(error); ok {
		fe.Err = err
	}
	return fe
}
