package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Default returns the config that an empty file decodes into.
func Default() *Config {
	return &Config{
		Telegram: TelegramConfig{PollTimeout: "10s"},
		Logging:  LoggingConfig{Level: "info", Console: true},
		Locale:   LocaleConfig{Default: "en"},
		Bridge:   BridgeConfig{Protocol: 3},
	}
}

var announceKinds = map[string]bool{"": true, "chat": true, "action_bar": true, "title": true, "countdown": true}

var families = map[string]bool{"wire": true, "telegram": true}

// Validate checks bounds and duration fields that do not need any other
// package to interpret.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if c.Telegram.Enabled && strings.TrimSpace(c.Telegram.Token) == "" {
		add(errors.New("telegram.token is required when telegram.enabled is true"))
	}
	dur("telegram.poll_timeout", c.Telegram.PollTimeout)
	if c.Logging.Telegram.Enabled && c.Telegram.LogChatID == 0 {
		add(errors.New("telegram.log_chat_id is required when logging.telegram.enabled is true"))
	}

	if w := c.Wire; w != nil {
		if w.NativeProtocol < 0 {
			add(errors.New("wire.native_protocol must be >= 0"))
		}
		if w.SendQueue < 0 {
			add(errors.New("wire.send_queue must be >= 0"))
		}
		if w.ReadLimit < 0 {
			add(errors.New("wire.read_limit must be >= 0"))
		}
		if p := strings.TrimSpace(w.Path); p != "" && !strings.HasPrefix(p, "/") {
			add(fmt.Errorf("wire.path must start with '/': %q", p))
		}
		dur("wire.write_timeout", w.WriteTimeout)
		dur("wire.ping_interval", w.PingInterval)
	}
	if c.Bridge.Protocol < 0 {
		add(errors.New("bridge.protocol must be >= 0"))
	}

	if o := c.Outbox; o != nil {
		if o.Workers < 0 || o.QueueSize < 0 || o.RatePerSec < 0 || o.RetryMax < 0 || o.DedupMaxEntries < 0 {
			add(errors.New("outbox: numeric fields must be >= 0"))
		}
		dur("outbox.retry_base", o.RetryBase)
		dur("outbox.retry_max_delay", o.RetryMaxDelay)
		dur("outbox.send_timeout", o.SendTimeout)
		dur("outbox.dedup_window", o.DedupWindow)
	}
	if s := c.Storage; s != nil {
		dur("storage.busy_timeout", s.BusyTimeout)
	}

	if tz := strings.TrimSpace(c.Announce.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("announce.timezone: invalid %q: %w", tz, err))
		}
	}
	seen := map[string]bool{}
	for i, a := range c.Announce.Items {
		path := fmt.Sprintf("announce.items[%d]", i)
		name := strings.TrimSpace(a.Name)
		switch {
		case name == "":
			add(fmt.Errorf("%s.name is required", path))
		case seen[name]:
			add(fmt.Errorf("%s.name %q is duplicated", path, name))
		}
		seen[name] = true
		if strings.TrimSpace(a.Schedule) == "" {
			add(fmt.Errorf("%s.schedule is required", path))
		}
		if strings.TrimSpace(a.Message) == "" {
			add(fmt.Errorf("%s.message is required", path))
		}
		kind := strings.ToLower(strings.TrimSpace(a.Kind))
		if !announceKinds[kind] {
			add(fmt.Errorf("%s.kind: unknown %q", path, a.Kind))
		}
		d, err := ParseDurationField(path+".duration", a.Duration)
		add(err)
		if kind == "countdown" && err == nil && d <= 0 {
			add(fmt.Errorf("%s.duration is required for countdown", path))
		}
		for _, f := range a.Families {
			if !families[strings.ToLower(strings.TrimSpace(f))] {
				add(fmt.Errorf("%s.families: unknown %q", path, f))
			}
		}
	}
	return errors.Join(errs...)
}
