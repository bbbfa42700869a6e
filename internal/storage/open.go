package storage

import (
	"fmt"
	"strings"

	logx "pewcast/pkg/logx"
)

// Open returns the configured store, or (nil, nil) when storage is
// disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none":
		return nil, nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

// byJoin orders receivers by join time, then chat id.
func byJoin(a, b Receiver) int {
	if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
		return c
	}
	switch {
	case a.ChatID < b.ChatID:
		return -1
	case a.ChatID > b.ChatID:
		return 1
	}
	return 0
}
