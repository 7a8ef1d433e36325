package app

import (
	"strings"
	"time"

	"ticksched/internal/config"
	"ticksched/internal/history"
	"ticksched/internal/observability/pprof"
	logx "ticksched/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapHistoryConfig(cfg *config.Config) (history.Config, error) {
	hc := cfg.History
	busy, err := config.ParseDurationOrDefault("history.busy_timeout", hc.BusyTimeout, 5*time.Second)
	if err != nil {
		return history.Config{}, err
	}
	return history.Config{
		Driver:      strings.ToLower(strings.TrimSpace(hc.Driver)),
		Path:        strings.TrimSpace(hc.Path),
		Size:        hc.Size,
		BusyTimeout: busy,
	}, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	pc := cfg.Pprof
	read, err := config.ParseDurationOrDefault("pprof.read_timeout", pc.ReadTimeout, 5*time.Second)
	if err != nil {
		return pprof.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("pprof.idle_timeout", pc.IdleTimeout, 60*time.Second)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:       pc.Enabled,
		Addr:          strings.TrimSpace(pc.Addr),
		Prefix:        pc.Prefix,
		Token:         strings.TrimSpace(pc.Token),
		AllowInsecure: pc.AllowInsecure,
		ReadTimeout:   read,
		IdleTimeout:   idle,
	}, nil
}

// OpenHistory opens the history store configured in the file at cfgPath for
// offline inspection. It returns (nil, "", nil) when history is disabled.
func OpenHistory(cfgPath string, log logx.Logger) (history.Store, string, error) {
	cfg, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		return nil, "", err
	}
	hc, err := mapHistoryConfig(cfg)
	if err != nil {
		return nil, "", err
	}
	st, err := history.Open(hc, log)
	return st, hc.Driver, err
}
