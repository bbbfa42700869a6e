package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/text/language"

	"pewcast/internal/config"
	"pewcast/internal/platform/wire"
	"pewcast/internal/storage"
	"pewcast/internal/text"
)

func TestMapOutboxConfigDefaults(t *testing.T) {
	t.Parallel()
	got, err := mapOutboxConfig(&config.Config{})
	if err != nil {
		t.Fatalf("mapOutboxConfig error = %v", err)
	}
	if !got.Enabled || got.Workers != 2 || got.QueueSize != 512 || got.RetryBase != 500*time.Millisecond {
		t.Fatalf("defaults = %+v", got)
	}

	got, err = mapOutboxConfig(&config.Config{Outbox: &config.OutboxConfig{Workers: 4, RetryBase: "1s"}})
	if err != nil {
		t.Fatalf("mapOutboxConfig error = %v", err)
	}
	if got.Enabled || got.Workers != 4 || got.RetryBase != time.Second || got.RetryMaxDelay != 10*time.Second {
		t.Fatalf("override = %+v", got)
	}

	if _, err := mapOutboxConfig(&config.Config{Outbox: &config.OutboxConfig{SendTimeout: "soon"}}); err == nil {
		t.Fatal("mapOutboxConfig with bad duration error = nil")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      *config.StorageConfig
		driver  string
		enabled bool
		wantErr bool
	}{
		{name: "omitted"},
		{name: "none", in: &config.StorageConfig{Driver: "none"}},
		{name: "file", in: &config.StorageConfig{Driver: "file", Path: "x.json"}, driver: "file", enabled: true},
		{name: "sqlite", in: &config.StorageConfig{Driver: "SQLite", Path: "x.db"}, driver: "sqlite", enabled: true},
		{name: "sqlite without path", in: &config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "unknown", in: &config.StorageConfig{Driver: "redis"}, wantErr: true},
	}
	for _, tt := range tests {
		got, enabled, err := mapStorageConfig(&config.Config{Storage: tt.in})
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if enabled != tt.enabled || got.Driver != tt.driver {
			t.Fatalf("%s: got (%+v, %v), want driver %q enabled %v", tt.name, got, enabled, tt.driver, tt.enabled)
		}
	}
}

func TestMapWireConfig(t *testing.T) {
	t.Parallel()
	_, _, on, err := mapWireConfig(&config.Config{}, language.English)
	if err != nil || on {
		t.Fatalf("omitted wire = (%v, %v), want disabled", on, err)
	}
	wc, native, on, err := mapWireConfig(&config.Config{Wire: &config.WireConfig{
		Enabled: true, Addr: "127.0.0.1:0", PingInterval: "5s",
	}}, language.German)
	if err != nil || !on {
		t.Fatalf("mapWireConfig = (%v, %v), want enabled", on, err)
	}
	if native != wire.ProtocolComponents || wc.PingInterval != 5*time.Second || wc.DefaultLocale != language.German {
		t.Fatalf("wire config = %+v native %d", wc, native)
	}
}

func TestValidateJoinsSectionErrors(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Storage = &config.StorageConfig{Driver: "redis"}
	cfg.Announce.Items = []config.Announcement{{Name: "x", Schedule: "nope", Message: "m"}}
	err := validate(cfg)
	if err == nil {
		t.Fatal("validate error = nil")
	}
	for _, want := range []string{"storage.driver", "announce.items[0]"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("validate error = %v, want it to mention %q", err, want)
		}
	}
}

func TestAppWireOnlyLifecycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := `
logging:
  level: error
  console: false
wire:
  enabled: true
  addr: 127.0.0.1:0
bridge:
  enabled: true
storage:
  driver: file
  path: ` + filepath.Join(dir, "state.json") + `
announce:
  enabled: true
  items:
    - name: motd
      schedule: "@daily"
      message: hello
`
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}

	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	if a.WireAddr() == "" {
		t.Fatal("WireAddr is empty with wire enabled")
	}
	st := a.Status()
	if !strings.Contains(st, "wire: 0 receivers") || !strings.Contains(st, "bridge: on") {
		t.Fatalf("Status = %q", st)
	}
	if strings.Contains(st, "telegram") {
		t.Fatalf("Status mentions telegram while disabled: %q", st)
	}
	if n := a.Broadcast(text.Of("hi")); n != 0 {
		t.Fatalf("Broadcast receivers = %d, want 0", n)
	}
	if err := a.announce.Fire(ctx, "motd"); err != nil {
		t.Fatalf("Fire error = %v", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSignal); err != nil {
		t.Fatalf("Stop error = %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestFormatAudit(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	got := formatAudit([]storage.AuditEntry{
		{At: at, Component: "announce", Action: "fire", Target: "<motd>", OK: 3},
		{At: at, Component: "broadcast", Action: "send", OK: 0, Fail: 1, ActorUsername: "op", Error: "boom"},
	})
	want := "<code>03-04 05:06:07</code> announce.fire &lt;motd&gt; ok=3\n" +
		"<code>03-04 05:06:07</code> broadcast.send ok=0 fail=1 by @op <i>boom</i>"
	if got != want {
		t.Fatalf("formatAudit =\n%s\nwant\n%s", got, want)
	}
}
