package history

import (
	"context"
	"strings"
	"time"

	"ticksched/internal/eventbus"
	logx "ticksched/pkg/logx"
	"ticksched/pkg/tickloop"
)

// Recorder appends a Record to a Store for every task.* event on a bus.
type Recorder struct {
	store  Store
	log    logx.Logger
	events <-chan eventbus.Event
	unsub  func()
}

// NewRecorder subscribes immediately; events published before Run starts
// wait in the subscription buffer.
func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	events, unsub := bus.Subscribe(recorderBuffer)
	return &Recorder{store: store, log: log, events: events, unsub: unsub}
}

const recorderBuffer = 1024

// Run journals events until ctx is done, then journals whatever is still
// buffered before returning. Cancel ctx only after the loop has drained.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.Flush(context.WithoutCancel(ctx))
			return nil
		case e, ok := <-r.events:
			if !ok {
				return nil
			}
			r.handle(ctx, e)
		}
	}
}

// Flush journals buffered events without waiting for new ones.
func (r *Recorder) Flush(ctx context.Context) {
	n := 0
	for {
		select {
		case e, ok := <-r.events:
			if !ok {
				return
			}
			r.handle(ctx, e)
			n++
		default:
			if n > 0 {
				r.log.Debug("history flushed", logx.Int("events", n))
			}
			return
		}
	}
}

// Close drops the bus subscription. Run returns once it sees the closed channel.
func (r *Recorder) Close() { r.unsub() }

func (r *Recorder) handle(ctx context.Context, e eventbus.Event) {
	if !strings.HasPrefix(e.Type, "task.") {
		return
	}
	te, ok := e.Data.(tickloop.TaskEvent)
	if !ok {
		return
	}
	rec := Record{
		ID:         te.ID,
		Loop:       te.Loop,
		State:      te.State,
		At:         e.Time,
		QueueDelay: te.QueueDelay,
		Duration:   te.Duration,
		Error:      te.Error,
	}
	actx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := r.store.Append(actx, rec); err != nil {
		r.log.Warn("history append failed", logx.String("id", rec.ID), logx.Err(err))
	}
}
