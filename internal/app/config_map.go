package app

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"

	"pewcast/internal/config"
	"pewcast/internal/outbox"
	"pewcast/internal/platform/wire"
	"pewcast/internal/storage"
	logx "pewcast/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapOutboxConfig parses the outbox section. An omitted section means
// enabled with defaults.
func mapOutboxConfig(cfg *config.Config) (outbox.Config, error) {
	out := outbox.Config{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      20,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		SendTimeout:     10 * time.Second,
		DedupWindow:     0,
		DedupMaxEntries: 2000,
	}
	if cfg == nil || cfg.Outbox == nil {
		return out, nil
	}
	o := cfg.Outbox
	out.Enabled = o.Enabled
	out.PersistDedup = o.PersistDedup
	if o.Workers != 0 {
		out.Workers = o.Workers
	}
	if o.QueueSize != 0 {
		out.QueueSize = o.QueueSize
	}
	if o.RatePerSec != 0 {
		out.RatePerSec = o.RatePerSec
	}
	if o.RetryMax != 0 {
		out.RetryMax = o.RetryMax
	}
	if o.DedupMaxEntries != 0 {
		out.DedupMaxEntries = o.DedupMaxEntries
	}

	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("outbox.retry_base", o.RetryBase, out.RetryBase); err != nil {
		return outbox.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("outbox.retry_max_delay", o.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return outbox.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationOrDefault("outbox.send_timeout", o.SendTimeout, out.SendTimeout); err != nil {
		return outbox.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("outbox.dedup_window", o.DedupWindow, out.DedupWindow); err != nil {
		return outbox.Config{}, err
	}
	return out, nil
}

// mapWireConfig reports whether the wire server is enabled and its
// settings. Zero fields fall back to the server defaults.
func mapWireConfig(cfg *config.Config, fallback language.Tag) (wire.Config, int, bool, error) {
	if cfg == nil || cfg.Wire == nil || !cfg.Wire.Enabled {
		return wire.Config{}, 0, false, nil
	}
	w := cfg.Wire
	native := w.NativeProtocol
	if native == 0 {
		native = wire.ProtocolComponents
	}
	wt, err := config.ParseDurationOrDefault("wire.write_timeout", w.WriteTimeout, 0)
	if err != nil {
		return wire.Config{}, 0, false, err
	}
	pi, err := config.ParseDurationOrDefault("wire.ping_interval", w.PingInterval, 0)
	if err != nil {
		return wire.Config{}, 0, false, err
	}
	return wire.Config{
		Addr:          w.Addr,
		Path:          w.Path,
		Token:         w.Token,
		WriteTimeout:  wt,
		PingInterval:  pi,
		SendQueue:     w.SendQueue,
		ReadLimit:     w.ReadLimit,
		DefaultLocale: fallback,
	}, native, true, nil
}

func bridgeProtocol(cfg *config.Config) int {
	if cfg.Bridge.Protocol > 0 {
		return cfg.Bridge.Protocol
	}
	return wire.MaxProtocol
}

func mapLogConfig(cfg *config.Config, chatSink bool) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    chatSink && cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Telegram.LogChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func defaultLocale(cfg *config.Config) language.Tag {
	if tag, err := language.Parse(strings.TrimSpace(cfg.Locale.Default)); err == nil {
		return tag
	}
	return language.English
}
