package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"ticksched/pkg/tickloop"
)

type benchResult struct {
	Interval time.Duration
	Mode     tickloop.PollMode
	Ticks    int
	Elapsed  time.Duration
	MaxGap   time.Duration
}

// Rate is measured ticks per second.
func (r benchResult) Rate() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Ticks-1) / r.Elapsed.Seconds()
}

// Expected is 1000/interval_ms, or 0 for an unthrottled loop.
func (r benchResult) Expected() float64 {
	if r.Interval <= 0 {
		return 0
	}
	return float64(time.Second) / float64(r.Interval)
}

func (r benchResult) Print(w io.Writer) {
	fmt.Fprintf(w, "interval   %v (%s)\n", r.Interval, r.Mode)
	fmt.Fprintf(w, "ticks      %d in %v\n", r.Ticks, r.Elapsed.Round(time.Microsecond))
	fmt.Fprintf(w, "rate       %.1f/s\n", r.Rate())
	if exp := r.Expected(); exp > 0 {
		fmt.Fprintf(w, "expected   %.1f/s (%.1f%%)\n", exp, 100*r.Rate()/exp)
	}
	fmt.Fprintf(w, "max gap    %v\n", r.MaxGap.Round(time.Microsecond))
}

// runBench starts a loop with no work and times ticks subscriber callbacks.
// Elapsed runs from the first tick to the last.
func runBench(ctx context.Context, interval time.Duration, ticks int, mode tickloop.PollMode) (benchResult, error) {
	if ticks < 2 {
		return benchResult{}, errors.New("ticks must be >= 2")
	}
	loop := tickloop.New(tickloop.WithName("bench"), tickloop.WithInterval(interval), tickloop.WithPollMode(mode))

	stamps := make([]time.Time, 0, ticks)
	full := make(chan struct{})
	loop.Subscribe(func() {
		if len(stamps) == ticks {
			return
		}
		stamps = append(stamps, time.Now())
		if len(stamps) == ticks {
			close(full)
		}
	})
	if err := loop.Start(); err != nil {
		return benchResult{}, err
	}
	defer func() {
		loop.Cancel()
		loop.Wait()
	}()

	select {
	case <-full:
	case <-ctx.Done():
		return benchResult{}, ctx.Err()
	}

	res := benchResult{Interval: interval, Mode: mode, Ticks: ticks, Elapsed: stamps[ticks-1].Sub(stamps[0])}
	for i := 1; i < len(stamps); i++ {
		if gap := stamps[i].Sub(stamps[i-1]); gap > res.MaxGap {
			res.MaxGap = gap
		}
	}
	return res, nil
}
