package producer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ticksched/internal/config"
	logx "ticksched/pkg/logx"
	"ticksched/pkg/tickloop"
)

var ErrJobFailed = errors.New("job failed")

// BuildAction returns the loop action for a job. Actions run on the loop
// goroutine: a sleep action holds the loop for its whole duration.
func BuildAction(job config.JobConfig, log logx.Logger) (tickloop.Action, error) {
	msg := job.Message
	switch job.Action {
	case "", "log":
		if msg == "" {
			msg = "job fired"
		}
		return func(ctx context.Context) error {
			log.Info(msg, logx.String("job", job.Name))
			return nil
		}, nil
	case "sleep":
		d := job.SleepFor()
		return func(ctx context.Context) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}, nil
	case "fail":
		if msg == "" {
			return func(ctx context.Context) error { return ErrJobFailed }, nil
		}
		return func(ctx context.Context) error { return fmt.Errorf("%w: %s", ErrJobFailed, msg) }, nil
	default:
		return nil, fmt.Errorf("unknown action %q", job.Action)
	}
}
