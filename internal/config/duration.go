package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a non-negative Go duration. Empty means zero.
// path names the field in error messages.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// TickInterval returns loop.interval. The config has been validated, so a
// parse error cannot happen for a committed Config.
func (l LoopConfig) TickInterval() time.Duration {
	d, _ := ParseDurationField("loop.interval", l.Interval)
	return d
}

func (l LoopConfig) Heartbeat() time.Duration {
	d, _ := ParseDurationField("loop.heartbeat_every", l.HeartbeatEvery)
	return d
}

func (j JobConfig) SleepFor() time.Duration {
	d, _ := ParseDurationField("jobs."+j.Name+".duration", j.Duration)
	return d
}
