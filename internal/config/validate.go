package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/creasty/defaults"
)

var ErrInvalid = errors.New("invalid config")

// applyDefaults fills zero-valued fields from their `default` tags.
func applyDefaults(cfg *Config) error {
	if err := defaults.Set(cfg); err != nil {
		return fmt.Errorf("config defaults: %w", err)
	}
	for i := range cfg.Jobs {
		if err := defaults.Set(&cfg.Jobs[i]); err != nil {
			return fmt.Errorf("config defaults: jobs[%d]: %w", i, err)
		}
	}
	return nil
}

// Validate checks values that decode cleanly but cannot be used.
// Cron expressions are checked by the producer when jobs are applied.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if _, err := ParseDurationField("loop.interval", c.Loop.Interval); err != nil {
		bad("%v", err)
	}
	if _, err := ParseDurationField("loop.heartbeat_every", c.Loop.HeartbeatEvery); err != nil {
		bad("%v", err)
	}
	switch c.Loop.PollMode {
	case "sleep", "spin":
	default:
		bad("loop.poll_mode: %q (want sleep|spin)", c.Loop.PollMode)
	}

	switch c.History.Driver {
	case "none", "memory":
	case "file":
		if strings.TrimSpace(c.History.Path) == "" {
			bad("history.path: required for file")
		}
	case "sqlite":
		if strings.TrimSpace(c.History.Path) == "" {
			bad("history.path: required for sqlite")
		}
		if _, err := ParseDurationField("history.busy_timeout", c.History.BusyTimeout); err != nil {
			bad("%v", err)
		}
	default:
		bad("history.driver: %q (want none|memory|file|sqlite)", c.History.Driver)
	}
	if c.History.Size <= 0 {
		bad("history.size: must be > 0")
	}

	seen := make(map[string]struct{}, len(c.Jobs))
	for i, j := range c.Jobs {
		name := strings.TrimSpace(j.Name)
		if name == "" {
			bad("jobs[%d].name: required", i)
			continue
		}
		if _, dup := seen[name]; dup {
			bad("jobs[%d].name: duplicate %q", i, name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(j.Schedule) == "" {
			bad("jobs.%s.schedule: required", name)
		}
		switch j.Action {
		case "log", "fail":
		case "sleep":
			if _, err := ParseDurationField("jobs."+name+".duration", j.Duration); err != nil {
				bad("%v", err)
			}
		default:
			bad("jobs.%s.action: %q (want log|sleep|fail)", name, j.Action)
		}
	}

	if c.Pprof.Enabled {
		if !strings.HasPrefix(c.Pprof.Prefix, "/") {
			bad("pprof.prefix: must start with /")
		}
		if _, err := ParseDurationField("pprof.read_timeout", c.Pprof.ReadTimeout); err != nil {
			bad("%v", err)
		}
		if _, err := ParseDurationField("pprof.idle_timeout", c.Pprof.IdleTimeout); err != nil {
			bad("%v", err)
		}
	}

	return errors.Join(errs...)
}
