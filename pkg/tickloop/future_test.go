package tickloop

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFutureResolvesOnce(t *testing.T) {
	f := newFuture[int]("a")
	if f.Resolved() {
		t.Fatalf("new future should be unresolved")
	}
	if !f.start() {
		t.Fatalf("start from pending should succeed")
	}
	if f.cancel(ErrStopped) {
		t.Fatalf("cancel after start should be refused")
	}
	if !f.complete(7) {
		t.Fatalf("complete from running should succeed")
	}
	if f.fail(errors.New("late")) || f.complete(8) {
		t.Fatalf("second resolution should be refused")
	}

	v, err := f.Result()
	if err != nil || v != 7 {
		t.Fatalf("got (%d, %v), want (7, nil)", v, err)
	}
	if f.State() != Completed || !f.State().Terminal() {
		t.Fatalf("state = %s, want completed", f.State())
	}
}

func TestFutureCancelFromPending(t *testing.T) {
	f := newFuture[string]("b")
	if !f.cancel(ErrStopped) {
		t.Fatalf("cancel from pending should succeed")
	}
	if f.start() {
		t.Fatalf("start after cancel should be refused")
	}
	if !errors.Is(f.Err(), ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", f.Err())
	}
	select {
	case <-f.Done():
	default:
		t.Fatalf("done should be closed")
	}
}

func TestFutureWaitHonoursContext(t *testing.T) {
	f := newFuture[int]("c")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if f.State() != Pending {
		t.Fatalf("waiting must not change the item, state = %s", f.State())
	}
}

func TestFaultErrorMatching(t *testing.T) {
	cause := errors.New("disk full")
	err := error(&FaultError{Err: cause})
	if !errors.Is(err, ErrFaulted) || !errors.Is(err, cause) {
		t.Fatalf("fault should match ErrFaulted and its cause: %v", err)
	}
	if errors.Is(err, ErrCancelled) {
		t.Fatalf("fault must not match ErrCancelled")
	}

	pf := faultFromPanic("bad index", []byte("stack"))
	if pf.Panic != "bad index" || string(pf.Stack) != "stack" {
		t.Fatalf("unexpected panic fault: %+v", pf)
	}
	if !errors.Is(pf, ErrFaulted) {
		t.Fatalf("panic fault should match ErrFaulted")
	}
}

func TestCancellationErrors(t *testing.T) {
	if !errors.Is(ErrStopped, ErrCancelled) {
		t.Fatalf("ErrStopped should be a cancellation")
	}
	cause := errors.New("request aborted")
	err := cancelledBy(cause)
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, cause) {
		t.Fatalf("cancelledBy should wrap both: %v", err)
	}
	if !errors.Is(cancelledBy(nil), ErrCancelled) {
		t.Fatalf("cancelledBy(nil) should still be ErrCancelled")
	}
}

func TestParsePollMode(t *testing.T) {
	cases := map[string]PollMode{"spin": PollSpin, "sleep": PollSleep, "": PollSleep, "bogus": PollSleep}
	for in, want := range cases {
		if got := ParsePollMode(in); got != want {
			t.Errorf("ParsePollMode(%q) = %s, want %s", in, got, want)
		}
	}
}
