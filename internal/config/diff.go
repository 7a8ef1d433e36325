package config

import (
	"sort"
	"strings"

	logx "ticksched/pkg/logx"
)

// SummarizeConfigChange returns the sorted list of changed sections and safe
// log fields describing the new values (tokens are never included), plus the
// names of jobs that were added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Loop != newCfg.Loop {
		changed = append(changed, "loop")
		attrs = append(attrs,
			logx.String("loop.interval", newCfg.Loop.Interval),
			logx.String("loop.poll_mode", newCfg.Loop.PollMode),
			logx.Bool("loop.lock_os_thread", newCfg.Loop.LockOSThread),
			logx.String("loop.heartbeat_every", newCfg.Loop.HeartbeatEvery),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.History != newCfg.History {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.String("history.driver", newCfg.History.Driver),
			logx.Int("history.size", newCfg.History.Size),
			logx.Bool("history.path_set", strings.TrimSpace(newCfg.History.Path) != ""),
		)
	}

	// Compare pprof with the token reduced to "set or not".
	oP, nP := oldCfg.Pprof, newCfg.Pprof
	oTok, nTok := strings.TrimSpace(oP.Token) != "", strings.TrimSpace(nP.Token) != ""
	oP.Token, nP.Token = "", ""
	if oP != nP || oTok != nTok {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", nP.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(nP.Addr)),
			logx.String("pprof.prefix", strings.TrimSpace(nP.Prefix)),
			logx.Bool("pprof.token_set", nTok),
			logx.Bool("pprof.allow_insecure", nP.AllowInsecure),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs,
			logx.Bool("systemd.notify", newCfg.Systemd.Notify),
			logx.Bool("systemd.watchdog", newCfg.Systemd.Watchdog),
		)
	}

	jobsChanged := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobsChanged) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.changed_count", len(jobsChanged)),
			logx.Int("jobs.enabled_count", countEnabled(newCfg.Jobs)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobsChanged
}

func countEnabled(jobs []JobConfig) int {
	n := 0
	for _, j := range jobs {
		if !j.Disabled {
			n++
		}
	}
	return n
}

func diffJobs(oldJobs, newJobs []JobConfig) []string {
	oldM := make(map[string]JobConfig, len(oldJobs))
	for _, j := range oldJobs {
		oldM[j.Name] = j
	}
	newM := make(map[string]JobConfig, len(newJobs))
	for _, j := range newJobs {
		newM[j.Name] = j
	}

	out := make([]string, 0)
	for name, o := range oldM {
		n, ok := newM[name]
		if !ok || o != n {
			out = append(out, name)
		}
	}
	for name := range newM {
		if _, ok := oldM[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
