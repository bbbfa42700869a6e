package config

import (
	"reflect"
	"slices"
	"strings"

	logx "pewcast/pkg/logx"
)

// SectionCatalog marks a Change where the locale catalog file content
// changed, with or without a config edit.
const SectionCatalog = "catalog"

// Change is one committed config update.
type Change struct {
	Old, New *Config
	// Sections lists the changed top-level sections plus SectionCatalog.
	Sections []string
	// Fields summarize the change for logging, without secrets.
	Fields []logx.Field
}

// NewChange diffs old and next. catalog reports a catalog content change.
func NewChange(old, next *Config, catalog bool) Change {
	sections, fields := SummarizeConfigChange(old, next)
	if catalog && !slices.Contains(sections, SectionCatalog) {
		sections = append(sections, SectionCatalog)
	}
	return Change{Old: old, New: next, Sections: sections, Fields: fields}
}

// Merge folds a later change into c: the result goes from c.Old to
// next.New and keeps a catalog change from either side.
func (c Change) Merge(next Change) Change {
	catalog := c.Has(SectionCatalog) || next.Has(SectionCatalog)
	return NewChange(c.Old, next.New, catalog)
}

// Has reports whether section changed.
func (c Change) Has(section string) bool { return slices.Contains(c.Sections, section) }

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. It never includes secrets like tokens.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 20)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		oldCfg.Telegram.Enabled != newCfg.Telegram.Enabled ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		oldCfg.Telegram.LogChatID != newCfg.Telegram.LogChatID ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.log_chat_set", newCfg.Telegram.LogChatID != 0),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Locale != newCfg.Locale {
		changed = append(changed, "locale")
		attrs = append(attrs,
			logx.String("locale.default", newCfg.Locale.Default),
			logx.String("locale.catalog", newCfg.Locale.Catalog),
		)
	}

	// Wire (never log token)
	ow, nw := derefWire(oldCfg.Wire), derefWire(newCfg.Wire)
	if ow != nw {
		changed = append(changed, "wire")
		attrs = append(attrs,
			logx.Bool("wire.enabled", nw.Enabled),
			logx.String("wire.addr", nw.Addr),
			logx.Int("wire.native_protocol", nw.NativeProtocol),
			logx.Bool("wire.token_set", strings.TrimSpace(nw.Token) != ""),
		)
	}

	if oldCfg.Bridge != newCfg.Bridge {
		changed = append(changed, "bridge")
		attrs = append(attrs,
			logx.Bool("bridge.enabled", newCfg.Bridge.Enabled),
			logx.Int("bridge.protocol", newCfg.Bridge.Protocol),
		)
	}

	if !reflect.DeepEqual(oldCfg.Outbox, newCfg.Outbox) {
		changed = append(changed, "outbox")
		if o := newCfg.Outbox; o != nil {
			attrs = append(attrs,
				logx.Bool("outbox.enabled", o.Enabled),
				logx.Int("outbox.workers", o.Workers),
				logx.Int("outbox.rate_per_sec", o.RatePerSec),
				logx.String("outbox.dedup_window", o.DedupWindow),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}

	if !reflect.DeepEqual(oldCfg.Announce, newCfg.Announce) {
		changed = append(changed, "announce")
		attrs = append(attrs,
			logx.Bool("announce.enabled", newCfg.Announce.Enabled),
			logx.Int("announce.items", len(newCfg.Announce.Items)),
			logx.String("announce.timezone", newCfg.Announce.Timezone),
		)
	}

	return changed, attrs
}

func derefWire(w *WireConfig) WireConfig {
	if w == nil {
		return WireConfig{}
	}
	return *w
}
