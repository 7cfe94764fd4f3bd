package store

import (
	"fmt"
	"strings"

	logx "relaycast/pkg/logx"
)

// Open initializes the configured store. An empty driver selects memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "store"), logx.String("driver", driver))

	switch driver {
	case "", "memory":
		return NewMemory(cfg.MaxEvents)
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrBadDriver, driver)
	}
}
