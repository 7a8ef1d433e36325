package config

// Config is the daemon's file configuration. Fields left empty are filled from
// the `default` struct tags after decoding.
type Config struct {
	Loop    LoopConfig    `json:"loop"`
	Logging LoggingConfig `json:"logging"`
	History HistoryConfig `json:"history"`
	Jobs    []JobConfig   `json:"jobs,omitempty"`
	Pprof   PprofConfig   `json:"pprof,omitempty"`
	Systemd SystemdConfig `json:"systemd,omitempty"`
}

// LoopConfig controls the tick loop.
//
// All durations are Go duration strings (e.g. "16ms", "1s").
// Only interval and heartbeat_every are applied live on reload; the rest need a restart.
type LoopConfig struct {
	Name string `json:"name" default:"main"`
	// Interval is the minimum spacing between ticks. "0s" ticks as fast as possible.
	Interval string `json:"interval" default:"16ms"`
	// PollMode is "sleep" (timer wait) or "spin" (busy poll, one core).
	PollMode     string `json:"poll_mode" default:"sleep"`
	LockOSThread bool   `json:"lock_os_thread,omitempty"`
	// HeartbeatEvery logs a loop snapshot at this cadence. "0s" disables it.
	HeartbeatEvery string `json:"heartbeat_every" default:"1m"`
}

type LoggingConfig struct {
	Level   string      `json:"level" default:"info"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" default:"./ticksched.log"`
}

// HistoryConfig controls the task outcome journal.
//
// Example:
//
//	"history": { "driver": "sqlite", "path": "./ticksched.db", "size": 1000 }
type HistoryConfig struct {
	// Driver is "none", "memory", "file" (JSON lines) or "sqlite".
	Driver string `json:"driver" default:"memory"`
	Path   string `json:"path" default:"./ticksched.db"`
	// Size bounds the memory ring and the rows kept by sqlite pruning.
	Size        int    `json:"size" default:"500"`
	BusyTimeout string `json:"busy_timeout,omitempty" default:"5s"` // sqlite
}

// JobConfig is a cron producer that enqueues a built-in action onto the loop.
type JobConfig struct {
	Name string `json:"name"`
	// Schedule is a cron expression (5 fields, optional seconds) or a descriptor
	// such as "@every 5s".
	Schedule string `json:"schedule"`
	// Action is "log", "sleep" or "fail".
	Action   string `json:"action" default:"log"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration,omitempty"` // sleep length
	Disabled bool   `json:"disabled,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Prefer binding to localhost. A non-loopback address needs a token or
// allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty" default:"127.0.0.1:6060"`
	Prefix        string `json:"prefix,omitempty" default:"/debug/pprof/"`
	Token         string `json:"token,omitempty"` // bearer token, never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty" default:"5s"`
	IdleTimeout string `json:"idle_timeout,omitempty" default:"60s"`
}

// SystemdConfig enables sd_notify integration when running under systemd.
type SystemdConfig struct {
	Notify bool `json:"notify,omitempty"`
	// Watchdog pings WATCHDOG=1 from a tick subscriber, so a stalled loop
	// stops feeding the unit's WatchdogSec.
	Watchdog bool `json:"watchdog,omitempty"`
}
