package history

import (
	"fmt"
	"strings"

	logx "ticksched/pkg/logx"
)

const defaultSize = 500

// Open initializes the configured store.
// It returns (nil, nil) if history is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Size <= 0 {
		cfg.Size = defaultSize
	}

	switch driver {
	case "memory":
		return NewMemory(cfg.Size), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("history: unknown driver %q", driver)
	}
}
