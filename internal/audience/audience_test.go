package audience

import (
	"reflect"
	"sync"
	"sync/atomic"
	"testing"

	"pewcast/internal/bossbar"
	"pewcast/internal/text"
	logx "pewcast/pkg/logx"
)

type viewer struct {
	name  string
	proto int
}

func (v *viewer) String() string { return v.name }

type fakeChat struct {
	name      string
	available bool
	minProto  int
	panicFor  bool

	probes atomic.Int32
	mu     sync.Mutex
	log    []string
}

func (h *fakeChat) Name() string    { return h.name }
func (h *fakeChat) Available() bool { return h.available }
func (h *fakeChat) AvailableFor(v *viewer) bool {
	h.probes.Add(1)
	if h.panicFor {
		panic("probe exploded")
	}
	return v.proto >= h.minProto
}

func (h *fakeChat) record(s string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.log = append(h.log, s)
}

func (h *fakeChat) entries() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.log...)
}

func (h *fakeChat) InitState(msg text.Component) any {
	h.record("init:" + text.Plain(msg))
	if msg.IsEmpty() {
		return nil
	}
	return text.Plain(msg)
}

func (h *fakeChat) SendMessage(v *viewer, st any) {
	h.record("send:" + v.name + ":" + st.(string))
}

func chatSet(hs ...Chat[*viewer]) Handlers[*viewer] {
	return HandlerSet[*viewer]{Chat: hs}.Build(logx.Nop())
}

func TestRegistryResolveOrder(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		handlers []*fakeChat
		viewer   *viewer
		want     string
	}{
		{
			name: "first unavailable falls through",
			handlers: []*fakeChat{
				{name: "A", available: false},
				{name: "B", available: true},
			},
			viewer: &viewer{name: "r", proto: 1},
			want:   "B",
		},
		{
			name: "first wins when both available",
			handlers: []*fakeChat{
				{name: "A", available: true},
				{name: "B", available: true},
			},
			viewer: &viewer{name: "r", proto: 1},
			want:   "A",
		},
		{
			name: "viewer check rejects first",
			handlers: []*fakeChat{
				{name: "A", available: true, minProto: 3},
				{name: "B", available: true, minProto: 2},
			},
			viewer: &viewer{name: "r", proto: 2},
			want:   "B",
		},
		{
			name: "none available",
			handlers: []*fakeChat{
				{name: "A", available: false},
				{name: "B", available: true, minProto: 9},
			},
			viewer: &viewer{name: "r", proto: 2},
			want:   "",
		},
		{
			name: "panicking probe is skipped",
			handlers: []*fakeChat{
				{name: "A", available: true, panicFor: true},
				{name: "B", available: true},
			},
			viewer: &viewer{name: "r"},
			want:   "B",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			hs := make([]Chat[*viewer], len(tc.handlers))
			for i, h := range tc.handlers {
				hs[i] = h
			}
			r := NewRegistry[*viewer, Chat[*viewer]](CapChat, logx.Nop(), hs...)
			h, ok := r.Resolve(tc.viewer)
			got := ""
			if ok {
				got = HandlerName(h)
			}
			if got != tc.want {
				t.Fatalf("Resolve = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRegistrySkipsViewerCheckWhenUnavailable(t *testing.T) {
	t.Parallel()
	a := &fakeChat{name: "A", available: false}
	b := &fakeChat{name: "B", available: true}
	r := NewRegistry[*viewer, Chat[*viewer]](CapChat, logx.Nop(), a, b)
	r.Resolve(&viewer{name: "x"})
	if n := a.probes.Load(); n != 0 {
		t.Fatalf("AvailableFor calls on unavailable handler = %d, want 0", n)
	}
}

func TestNilRegistryResolvesNothing(t *testing.T) {
	t.Parallel()
	var r *Registry[*viewer, Chat[*viewer]]
	if _, ok := r.Resolve(&viewer{}); ok {
		t.Fatal("nil registry resolved a handler")
	}
	if r.Len() != 0 || r.Names() != nil {
		t.Fatalf("nil registry Len/Names = %d/%v", r.Len(), r.Names())
	}
}

func TestProbeMemoizesAndFailsClosed(t *testing.T) {
	t.Parallel()
	var calls int
	p := Probe(func() bool { calls++; return true })
	for range 3 {
		if !p() {
			t.Fatal("probe = false, want true")
		}
	}
	if calls != 1 {
		t.Fatalf("check calls = %d, want 1", calls)
	}
	if Probe(func() bool { panic("no class") })() {
		t.Fatal("panicking probe = true, want false")
	}
}

func TestHandledBindsEagerly(t *testing.T) {
	t.Parallel()
	h := &fakeChat{name: "A", available: true, minProto: 2}
	v := &viewer{name: "steve", proto: 2}
	a := New(v, text.StaticContext{}, nil, chatSet(h), logx.Nop())

	v.proto = 0
	a.SendMessage(text.Of("hi"))
	want := []string{"init:hi", "send:steve:hi"}
	if got := h.entries(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if got := a.Bindings(); got[CapChat] != "A" || len(got) != 1 {
		t.Fatalf("Bindings = %v", got)
	}
}

func TestHandledRendersBeforeInitState(t *testing.T) {
	t.Parallel()
	h := &fakeChat{name: "A", available: true}
	r := text.RendererFunc(func(c text.Component, _ text.Context) text.Component {
		return text.Of("rendered:" + text.Plain(c))
	})
	a := New(&viewer{name: "v"}, text.StaticContext{}, r, chatSet(h), logx.Nop())
	a.SendMessage(text.Of("x"))
	want := []string{"init:rendered:x", "send:v:rendered:x"}
	if got := h.entries(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestHandledNilStateSkipsDispatch(t *testing.T) {
	t.Parallel()
	h := &fakeChat{name: "A", available: true}
	a := New(&viewer{name: "v"}, text.StaticContext{}, nil, chatSet(h), logx.Nop())
	a.SendMessage(text.Component{})
	want := []string{"init:"}
	if got := h.entries(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestHandledWithoutHandlersIsNoop(t *testing.T) {
	t.Parallel()
	a := New(&viewer{name: "v"}, text.StaticContext{}, nil, Handlers[*viewer]{}, logx.Nop())
	bar := bossbar.New(text.Of("bar"), 0.5, bossbar.Red, bossbar.Progress)

	a.SendMessage(text.Of("x"))
	a.SendActionBar(text.Of("x"))
	a.ShowTitle(NewTitle(text.Of("t"), text.Of("s")))
	a.ClearTitle()
	a.ResetTitle()
	a.ShowBossBar(bar)
	a.HideBossBar(bar)
	a.PlaySound(Sound{Key: "block.note", Volume: 1, Pitch: 1})
	a.PlaySoundAt(Sound{Key: "block.note"}, 1, 2, 3)
	a.StopSound(StopAll)
	a.OpenBook(Book{Pages: []text.Component{}})

	if len(a.Bindings()) != 0 {
		t.Fatalf("Bindings = %v, want none", a.Bindings())
	}
	if bar.ListenerCount() != 0 {
		t.Fatalf("ListenerCount = %d, want 0", bar.ListenerCount())
	}
}

type panickyChat struct{ fakeChat }

func (h *panickyChat) SendMessage(*viewer, any) { panic("socket closed") }

func TestHandledSwallowsHandlerPanics(t *testing.T) {
	t.Parallel()
	h := &panickyChat{fakeChat{name: "A", available: true}}
	a := New(&viewer{name: "v"}, text.StaticContext{}, nil, chatSet(h), logx.Nop())
	a.SendMessage(text.Of("x"))
}

func TestHandledInvalidInputPanics(t *testing.T) {
	t.Parallel()
	a := New(&viewer{name: "v"}, text.StaticContext{}, nil, Handlers[*viewer]{}, logx.Nop())

	cases := map[string]func(){
		"nil bar show":    func() { a.ShowBossBar(nil) },
		"nil bar hide":    func() { a.HideBossBar(nil) },
		"empty sound key": func() { a.PlaySound(Sound{}) },
		"empty sound at":  func() { a.PlaySoundAt(Sound{}, 0, 0, 0) },
		"nil book pages":  func() { a.OpenBook(Book{}) },
		"nil viewer": func() {
			New[*viewer](nil, text.StaticContext{}, nil, Handlers[*viewer]{}, logx.Nop())
		},
		"forwarding nil bar": func() { Forwarding{a}.ShowBossBar(nil) },
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatal("expected panic")
				}
			}()
			fn()
		})
	}
}

func TestForwardingFansOut(t *testing.T) {
	t.Parallel()
	h := &fakeChat{name: "A", available: true}
	hs := chatSet(h)
	f := Forwarding{
		New(&viewer{name: "a"}, text.StaticContext{}, nil, hs, logx.Nop()),
		New(&viewer{name: "b"}, text.StaticContext{}, nil, hs, logx.Nop()),
	}
	f.SendMessage(text.Of("x"))
	want := []string{"init:x", "send:a:x", "init:x", "send:b:x"}
	if got := h.entries(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestParseSource(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		in      string
		want    Source
		wantErr bool
	}{
		{"", SourceMaster, false},
		{"Music", SourceMusic, false},
		{" voice ", SourceVoice, false},
		{"loud", 0, true},
	} {
		got, err := ParseSource(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Fatalf("ParseSource(%q) = %v, %v", tc.in, got, err)
		}
	}
}

func TestTicks(t *testing.T) {
	t.Parallel()
	if got := Ticks(DefaultTimes.Stay); got != 70 {
		t.Fatalf("Ticks(stay) = %d, want 70", got)
	}
	if got := Ticks(-1); got != -1 {
		t.Fatalf("Ticks(-1) = %d, want -1", got)
	}
}
