package router

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"pewcast/internal/storage"
	kit "pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

type replies struct {
	mu   sync.Mutex
	sent []string
}

func (r *replies) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	return kit.MessageRef{MessageID: len(r.sent)}, nil
}

func (r *replies) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func message(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 10, FromID: from, Text: text, LanguageCode: "de"}}
}

func TestHandleRoutesCommands(t *testing.T) {
	t.Parallel()
	rep := &replies{}
	r := New(logx.Nop(), rep, []int64{1})

	var got *Request
	err := r.Register(
		Command{Name: "lang", Aliases: []string{"language"}, Handle: func(_ context.Context, req *Request) error {
			got = req
			return nil
		}},
		Command{Name: "reload", Access: AccessOwnerOnly, Handle: func(context.Context, *Request) error { return nil }},
		Command{Name: "boom", Handle: func(context.Context, *Request) error { panic("bad") }},
		Command{Name: "fail", Handle: func(context.Context, *Request) error { return errors.New("nope") }},
	)
	if err != nil {
		t.Fatalf("Register error = %v", err)
	}

	ctx := context.Background()
	if err := r.Handle(ctx, message(2, `/Language@pewcast_bot "pt BR" x`)); err != nil {
		t.Fatalf("Handle error = %v", err)
	}
	if got == nil || got.Command != "lang" || !reflect.DeepEqual(got.Args, []string{"pt BR", "x"}) || got.LanguageCode != "de" || !got.Private {
		t.Fatalf("request = %+v", got)
	}

	_ = r.Handle(ctx, message(2, "/reload"))
	_ = r.Handle(ctx, message(2, "/nope"))
	_ = r.Handle(ctx, message(2, "plain text"))
	if err := r.Handle(ctx, message(2, "/boom")); err == nil {
		t.Fatal("panicking handler returned nil error")
	}
	_ = r.Handle(ctx, message(2, "/fail"))

	want := []string{"unauthorized", "unknown command. try /help", "error: panic: bad", "error: nope"}
	if got := rep.all(); !reflect.DeepEqual(got, want) {
		t.Fatalf("replies = %q, want %q", got, want)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop(), nil, nil)
	h := func(context.Context, *Request) error { return nil }
	if err := r.Register(Command{Name: "start", Handle: h}); err != nil {
		t.Fatalf("Register error = %v", err)
	}
	if err := r.Register(Command{Name: "begin", Aliases: []string{"START"}, Handle: h}); !errors.Is(err, ErrDuplicateCommand) {
		t.Fatalf("duplicate Register error = %v, want ErrDuplicateCommand", err)
	}
	if err := r.Register(Command{Name: "x"}); err == nil {
		t.Fatal("Register without handler succeeded")
	}
}

func TestMenuAndHelp(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop(), nil, []int64{7})
	h := func(context.Context, *Request) error { return nil }
	_ = r.Register(
		Command{Name: "start", Description: "subscribe", Handle: h},
		Command{Name: "reload-config", Description: "reload", Access: AccessOwnerOnly, Handle: h},
	)
	menu := r.Menu()
	if len(menu) != 1 || menu[0].Command != "start" {
		t.Fatalf("Menu = %+v", menu)
	}
	if help := r.HelpText(false); strings.Contains(help, "reload") || !strings.Contains(help, "/start") {
		t.Fatalf("public help = %q", help)
	}
	if help := r.HelpText(true); !strings.Contains(help, "reload") {
		t.Fatalf("owner help = %q", help)
	}
}

func TestSanitizeTelegramCommand(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"Start":         "start",
		"reload-config": "reload_config",
		"a  b":          "a_b",
		"9lives":        "cmd_9lives",
		"!!!":           "",
	}
	for in, want := range cases {
		if got := sanitizeTelegramCommand(in); got != want {
			t.Fatalf("sanitizeTelegramCommand(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDispatchLoopRunsHandlers(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop(), nil, nil)
	done := make(chan string, 1)
	_ = r.Register(Command{Name: "ping", Handle: func(_ context.Context, req *Request) error {
		done <- req.Command
		return nil
	}})
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 1)
	exited := make(chan error, 1)
	go func() { exited <- r.DispatchLoop(ctx, updates) }()

	updates <- message(1, "/ping")
	select {
	case got := <-done:
		if got != "ping" {
			t.Fatalf("command = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not run")
	}
	cancel()
	if err := <-exited; err != nil {
		t.Fatalf("DispatchLoop error = %v", err)
	}
}

func TestHandleMembershipHook(t *testing.T) {
	t.Parallel()
	rep := &replies{}
	r := New(logx.Nop(), rep, nil)
	up := kit.Update{Kind: kit.UpdateMembership, Membership: &kit.Membership{ChatID: 7, Status: "kicked"}}

	if err := r.Handle(context.Background(), up); err != nil {
		t.Fatalf("Handle without hook error = %v", err)
	}

	var got []kit.Membership
	r.OnMembership(func(_ context.Context, m kit.Membership) { got = append(got, m) })
	if err := r.Handle(context.Background(), up); err != nil {
		t.Fatalf("Handle error = %v", err)
	}
	if len(got) != 1 || got[0].ChatID != 7 || got[0].Active {
		t.Fatalf("hook saw %+v, want one inactive membership for chat 7", got)
	}
	if len(rep.all()) != 0 {
		t.Fatalf("replies = %q, want none for membership updates", rep.all())
	}

	r.OnMembership(nil)
	_ = r.Handle(context.Background(), up)
	if len(got) != 1 {
		t.Fatalf("hook ran after removal, calls = %d", len(got))
	}
}

type auditLog struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (a *auditLog) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func TestOwnerCommandsAreAudited(t *testing.T) {
	t.Parallel()
	audit := &auditLog{}
	r := New(logx.Nop(), &replies{}, []int64{1})
	r.SetAuditor(audit)
	_ = r.Register(
		Command{Name: "open", Handle: func(context.Context, *Request) error { return nil }},
		Command{Name: "fire", Access: AccessOwnerOnly, Handle: func(context.Context, *Request) error {
			return errors.New("no such announcement")
		}},
	)
	ctx := context.Background()
	_ = r.Handle(ctx, message(1, "/open"))
	_ = r.Handle(ctx, message(1, "/fire motd"))
	_ = r.Handle(ctx, message(2, "/fire motd")) // unauthorized, never runs

	if len(audit.entries) != 1 {
		t.Fatalf("audit entries = %+v, want one", audit.entries)
	}
	e := audit.entries[0]
	if e.Action != "fire" || e.Target != "motd" || e.Fail != 1 || e.ActorID != 1 || e.Error != "no such announcement" {
		t.Fatalf("audit entry = %+v", e)
	}
}
