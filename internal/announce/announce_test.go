package announce

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pewcast/internal/audience"
	"pewcast/internal/bossbar"
	"pewcast/internal/config"
	"pewcast/internal/eventbus"
	"pewcast/internal/storage"
	"pewcast/internal/text"
	logx "pewcast/pkg/logx"
)

// recorder is an Audience that logs every action.
type recorder struct {
	mu      sync.Mutex
	actions []string
	bars    map[*bossbar.Bar]bool
}

func newRecorder() *recorder { return &recorder{bars: map[*bossbar.Bar]bool{}} }

func (r *recorder) add(a string) {
	r.mu.Lock()
	r.actions = append(r.actions, a)
	r.mu.Unlock()
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.actions...)
}

func (r *recorder) shown() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bars)
}

func (r *recorder) SendMessage(m text.Component)   { r.add("chat:" + text.Plain(m)) }
func (r *recorder) SendActionBar(m text.Component) { r.add("action:" + text.Plain(m)) }
func (r *recorder) ShowTitle(t audience.Title) {
	r.add("title:" + text.Plain(t.Title) + "/" + text.Plain(t.Subtitle))
}
func (r *recorder) ClearTitle() {}
func (r *recorder) ResetTitle() {}
func (r *recorder) ShowBossBar(b *bossbar.Bar) {
	r.mu.Lock()
	r.bars[b] = true
	r.mu.Unlock()
	r.add("bar:show")
}
func (r *recorder) HideBossBar(b *bossbar.Bar) {
	r.mu.Lock()
	delete(r.bars, b)
	r.mu.Unlock()
	r.add("bar:hide")
}
func (r *recorder) PlaySound(s audience.Sound)                   { r.add("sound:" + s.Key) }
func (r *recorder) PlaySoundAt(audience.Sound, float64, float64, float64) {}
func (r *recorder) StopSound(audience.SoundStop)                 {}
func (r *recorder) OpenBook(audience.Book)                       {}

type audits struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (a *audits) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func target(family string, rs ...*recorder) Target {
	return Target{Family: family, Audience: func() audience.Forwarding {
		out := make(audience.Forwarding, len(rs))
		for i, r := range rs {
			out[i] = r
		}
		return out
	}}
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		cron    string
		every   time.Duration
		wantErr bool
	}{
		{in: "*/5 * * * *", cron: "*/5 * * * *"},
		{in: "@hourly", cron: "@hourly"},
		{in: "cron: 0 30 9 * * *", cron: "0 30 9 * * *"},
		{in: "every 10m", every: 10 * time.Minute},
		{in: "every:1h", every: time.Hour},
		{in: "02:30", every: 2*time.Hour + 30*time.Minute},
		{in: "45s", every: 45 * time.Second},
		{in: "", wantErr: true},
		{in: "every 10ms", wantErr: true},
		{in: "00:75", wantErr: true},
		{in: "61 * * * *", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseSchedule(%q) = %+v, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSchedule(%q) error = %v", tt.in, err)
		}
		if got.Cron != tt.cron || got.Every != tt.every {
			t.Fatalf("ParseSchedule(%q) = %+v, want cron %q every %v", tt.in, got, tt.cron, tt.every)
		}
	}
}

func TestCompileAll(t *testing.T) {
	t.Parallel()
	_, err := CompileAll(config.AnnounceConfig{Items: []config.Announcement{
		{Name: "a", Schedule: "every 1m", Message: "hi"},
		{Name: "a", Schedule: "every 1m", Message: "dup"},
		{Name: "b", Schedule: "every 1m", Message: "x", Kind: "countdown"},
		{Name: "c", Schedule: "every 1m", Message: "x", Color: "mauve"},
		{Name: "d", Schedule: "every 1m", Message: "x", Kind: "countdown", Duration: "1m", BarColor: "teal"},
	}})
	if err == nil {
		t.Fatal("CompileAll error = nil")
	}
	for _, want := range []string{`duplicate name "a"`, "countdown duration", "unknown color", "unknown boss bar color"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("CompileAll error = %v, want it to mention %q", err, want)
		}
	}

	items, err := CompileAll(config.AnnounceConfig{Items: []config.Announcement{{
		Name: "restart", Schedule: "@daily", Kind: "countdown", Message: "bar.restart", Translate: true,
		Args: []string{"5"}, Duration: "5m", BarColor: "red", Overlay: "notched_10", Flags: []string{"darken_screen"},
	}}})
	if err != nil {
		t.Fatalf("CompileAll error = %v", err)
	}
	it := items[0]
	if it.Kind != KindCountdown || it.Duration != 5*time.Minute || it.BarColor != bossbar.Red || it.Overlay != bossbar.Notched10 || len(it.Flags) != 1 {
		t.Fatalf("item = %+v", it)
	}
	if it.Message.Key != "bar.restart" || len(it.Message.Args) != 1 {
		t.Fatalf("message = %+v", it.Message)
	}
}

func TestFireDeliversByKindAndFamily(t *testing.T) {
	t.Parallel()
	wire, tg := newRecorder(), newRecorder()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	au := &audits{}
	s := New(logx.Nop(), bus, au, target("wire", wire), target("telegram", tg))
	err := s.Apply(config.AnnounceConfig{Enabled: true, Items: []config.Announcement{
		{Name: "motd", Schedule: "@daily", Message: "hello", Sound: "ui.toast"},
		{Name: "tip", Schedule: "@daily", Kind: "action_bar", Message: "tip", Families: []string{"wire"}},
		{Name: "event", Schedule: "@daily", Kind: "title", Message: "Event", Subtitle: "now"},
	}})
	if err != nil {
		t.Fatalf("Apply error = %v", err)
	}
	ctx := context.Background()
	for _, n := range []string{"motd", "tip", "event"} {
		if err := s.Fire(ctx, n); err != nil {
			t.Fatalf("Fire(%s) error = %v", n, err)
		}
	}
	if err := s.Fire(ctx, "nope"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("Fire(nope) error = %v, want ErrUnknown", err)
	}

	wantWire := []string{"chat:hello", "sound:ui.toast", "action:tip", "title:Event/now"}
	wantTG := []string{"chat:hello", "sound:ui.toast", "title:Event/now"}
	if got := strings.Join(wire.all(), ","); got != strings.Join(wantWire, ",") {
		t.Fatalf("wire actions = %s, want %v", got, wantWire)
	}
	if got := strings.Join(tg.all(), ","); got != strings.Join(wantTG, ",") {
		t.Fatalf("telegram actions = %s, want %v", got, wantTG)
	}

	ev := <-events
	if ev.Type != eventbus.AnnouncementFired {
		t.Fatalf("event type = %q", ev.Type)
	}
	if data := ev.Data.(map[string]any); data["name"] != "motd" || data["receivers"] != 2 {
		t.Fatalf("event data = %v", ev.Data)
	}
	au.mu.Lock()
	n := len(au.entries)
	au.mu.Unlock()
	if n != 3 {
		t.Fatalf("audit entries = %d, want 3", n)
	}
}

func TestCountdownDrainsAndHides(t *testing.T) {
	t.Parallel()
	r := newRecorder()
	s := New(logx.Nop(), nil, nil, target("wire", r))
	s.tick = 5 * time.Millisecond
	err := s.Apply(config.AnnounceConfig{Items: []config.Announcement{
		{Name: "restart", Schedule: "@daily", Kind: "countdown", Message: "Restart", Duration: "60ms"},
	}})
	if err != nil {
		t.Fatalf("Apply error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	if err := s.Fire(ctx, "restart"); err != nil {
		t.Fatalf("Fire error = %v", err)
	}
	if r.shown() != 1 {
		t.Fatalf("shown bars = %d, want 1", r.shown())
	}
	if err := s.Fire(ctx, "restart"); !errors.Is(err, ErrRunning) {
		t.Fatalf("second Fire error = %v, want ErrRunning", err)
	}

	deadline := time.After(2 * time.Second)
	for r.shown() != 0 {
		select {
		case <-deadline:
			t.Fatal("countdown bar not hidden")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if err := s.Fire(ctx, "restart"); err != nil {
		t.Fatalf("Fire after completion error = %v", err)
	}
}

func TestStopHidesRunningCountdown(t *testing.T) {
	t.Parallel()
	r := newRecorder()
	s := New(logx.Nop(), nil, nil, target("telegram", r))
	_ = s.Apply(config.AnnounceConfig{Items: []config.Announcement{
		{Name: "long", Schedule: "@daily", Kind: "countdown", Message: "Long", Duration: "1h"},
	}})
	s.Start(context.Background())
	if err := s.Fire(context.Background(), "long"); err != nil {
		t.Fatalf("Fire error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if r.shown() != 0 {
		t.Fatalf("shown bars after Stop = %d, want 0", r.shown())
	}
}
