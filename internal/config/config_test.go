package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, name, body string) *Manager {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return NewManager(p)
}

func TestParseYAMLAppliesDefaults(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.yaml", `
telegram:
  enabled: true
  token: "123:abc"
wire:
  enabled: true
  addr: "127.0.0.1:0"
bridge:
  enabled: true
announce:
  enabled: true
  items:
    - name: restart
      schedule: "every 10m"
      kind: countdown
      message: "Restart"
      duration: "30s"
`)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	if cfg.Locale.Default != "en" {
		t.Fatalf("Locale.Default = %q, want en", cfg.Locale.Default)
	}
	if cfg.Bridge.Protocol != 3 {
		t.Fatalf("Bridge.Protocol = %d, want 3", cfg.Bridge.Protocol)
	}
	if cfg.Wire == nil || !cfg.Wire.Enabled {
		t.Fatalf("Wire = %+v, want enabled", cfg.Wire)
	}
	if len(cfg.Announce.Items) != 1 || cfg.Announce.Items[0].Kind != "countdown" {
		t.Fatalf("Announce.Items = %+v", cfg.Announce.Items)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate error = %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestParseRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, file, body string
	}{
		{"unknown yaml", "c.yaml", "bogus: 1\n"},
		{"unknown json", "c.json", `{"telegram":{"nope":true}}`},
		{"trailing json", "c.json", `{} {}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := writeConfig(t, tc.file, tc.body).Parse(); err == nil {
				t.Fatal("Parse error = nil, want failure")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"token required", func(c *Config) { c.Telegram.Enabled = true }, "telegram.token"},
		{"bad duration", func(c *Config) { c.Telegram.PollTimeout = "soon" }, "telegram.poll_timeout"},
		{"wire path", func(c *Config) { c.Wire = &WireConfig{Path: "ws"} }, "wire.path"},
		{"timezone", func(c *Config) { c.Announce.Timezone = "Mars/Olympus" }, "announce.timezone"},
		{"kind", func(c *Config) {
			c.Announce.Items = []Announcement{{Name: "a", Schedule: "@hourly", Message: "m", Kind: "toast"}}
		}, "kind"},
		{"countdown duration", func(c *Config) {
			c.Announce.Items = []Announcement{{Name: "a", Schedule: "@hourly", Message: "m", Kind: "countdown"}}
		}, "duration is required"},
		{"duplicate name", func(c *Config) {
			a := Announcement{Name: "a", Schedule: "@hourly", Message: "m"}
			c.Announce.Items = []Announcement{a, a}
		}, "duplicated"},
		{"family", func(c *Config) {
			c.Announce.Items = []Announcement{{Name: "a", Schedule: "@hourly", Message: "m", Families: []string{"irc"}}}
		}, "families"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			switch {
			case tc.wantErr == "" && err != nil:
				t.Fatalf("Validate error = %v, want nil", err)
			case tc.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tc.wantErr)):
				t.Fatalf("Validate error = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := Default()
	newCfg := Default()
	newCfg.Bridge.Enabled = true
	newCfg.Telegram.Token = "secret-token"
	newCfg.Wire = &WireConfig{Enabled: true, Token: "wire-secret"}

	c := NewChange(oldCfg, newCfg, false)
	for _, want := range []string{"bridge", "telegram", "wire"} {
		if !c.Has(want) {
			t.Fatalf("sections = %v, missing %q", c.Sections, want)
		}
	}
	if c.Has("logging") || c.Has(SectionCatalog) {
		t.Fatalf("sections = %v, logging and catalog unchanged", c.Sections)
	}
	attrs := c.Fields
	var buf bytes.Buffer
	lg := zerolog.New(&buf)
	e := lg.Info()
	for _, f := range attrs {
		f(e)
	}
	e.Send()
	if strings.Contains(buf.String(), "secret") {
		t.Fatalf("attrs leak a secret: %s", buf.String())
	}

	if got, _ := SummarizeConfigChange(oldCfg, Default()); len(got) != 0 {
		t.Fatalf("identical configs changed = %v", got)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"", "5s", false},
		{"0s", "5s", false},
		{"250ms", "250ms", false},
		{"30", "30s", false},
		{"2d", "48h0m0s", false},
		{"1d12h", "36h0m0s", false},
		{"-1s", "", true},
		{"-5", "", true},
		{"xd", "", true},
		{"abc", "", true},
	}
	for _, tc := range cases {
		d, err := ParseDurationOrDefault("x", tc.raw, 5e9)
		if (err != nil) != tc.wantErr {
			t.Fatalf("ParseDurationOrDefault(%q) error = %v, wantErr %v", tc.raw, err, tc.wantErr)
		}
		if err == nil && d.String() != tc.want {
			t.Fatalf("ParseDurationOrDefault(%q) = %v, want %s", tc.raw, d, tc.want)
		}
	}
}

func TestDecodeExpandsEnv(t *testing.T) {
	t.Setenv("PEWCAST_TEST_TOKEN", "123:abc")
	cfg, err := Decode("c.yaml", []byte(`
telegram:
  token: "${PEWCAST_TEST_TOKEN}"
announce:
  items:
    - name: price
      schedule: "@daily"
      message: "costs $5 or ${PEWCAST_TEST_UNSET}"
`))
	if err != nil {
		t.Fatalf("Decode error = %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("Token = %q", cfg.Telegram.Token)
	}
	if got := cfg.Announce.Items[0].Message; got != "costs $5 or ${PEWCAST_TEST_UNSET}" {
		t.Fatalf("Message = %q", got)
	}
}

func TestReloadPublishesChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	catPath := filepath.Join(dir, "lang.yaml")
	write := func(p, body string) {
		t.Helper()
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	write(catPath, "en:\n  hi: Hi\n")
	write(cfgPath, "locale:\n  catalog: "+catPath+"\n")

	m := NewManager(cfgPath)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error = %v", err)
	}
	changes, unsub := m.Subscribe(4)
	defer unsub()
	ctx := context.Background()

	if _, err := m.Reload(ctx); !errors.Is(err, ErrUnchanged) {
		t.Fatalf("Reload of unchanged files error = %v, want ErrUnchanged", err)
	}

	write(catPath, "en:\n  hi: Hello\n")
	c, err := m.Reload(ctx)
	if err != nil {
		t.Fatalf("Reload error = %v", err)
	}
	if len(c.Sections) != 1 || !c.Has(SectionCatalog) {
		t.Fatalf("catalog-only change sections = %v", c.Sections)
	}

	write(cfgPath, "locale:\n  catalog: "+catPath+"\nbridge:\n  enabled: true\n")
	m.SetValidator(func(context.Context, *Config) error { return errors.New("nope") })
	if _, err := m.Reload(ctx); err == nil || !strings.Contains(err.Error(), "rejected") {
		t.Fatalf("Reload with failing validator error = %v", err)
	}
	if m.Get().Bridge.Enabled {
		t.Fatal("rejected config was committed")
	}
	m.SetValidator(nil)
	if _, err := m.Reload(ctx); err != nil {
		t.Fatalf("Reload error = %v", err)
	}

	first, second := <-changes, <-changes
	merged := first.Merge(second)
	if !merged.Has(SectionCatalog) || !merged.Has("bridge") || merged.Old.Bridge.Enabled || !merged.New.Bridge.Enabled {
		t.Fatalf("merged change = %+v", merged.Sections)
	}
}

func TestSubscribeKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.yaml")
	ch, unsub := m.Subscribe(1)
	a, b := Default(), Default()
	m.publish(Change{New: a})
	m.publish(Change{New: b})
	if got := <-ch; got.New != b {
		t.Fatal("slow subscriber did not receive the newest change")
	}
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel open after unsubscribe")
	}
	m.publish(Change{New: a})
}

func TestBackoffDoublesToMax(t *testing.T) {
	t.Parallel()
	b := newBackoff(100, 400)
	for i, lo := range []int64{100, 200, 400, 400} {
		d := int64(b.next())
		if d < lo || d > lo+lo/2 {
			t.Fatalf("step %d = %d, want in [%d, %d]", i, d, lo, lo+lo/2)
		}
	}
	b.reset()
	if d := int64(b.next()); d > 150 {
		t.Fatalf("after reset = %d, want <= 150", d)
	}
}
