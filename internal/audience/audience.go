// Package audience resolves, per receiver and per capability, the best
// available handler and exposes one uniform action API over it.
package audience

import (
	"fmt"
	"reflect"
	"runtime/debug"

	"pewcast/internal/bossbar"
	"pewcast/internal/text"
	logx "pewcast/pkg/logx"
)

// Audience is the uniform action API. Actions never report delivery
// failures; they panic only on invalid arguments.
type Audience interface {
	SendMessage(msg text.Component)
	SendActionBar(msg text.Component)
	ShowTitle(t Title)
	ClearTitle()
	ResetTitle()
	ShowBossBar(bar *bossbar.Bar)
	HideBossBar(bar *bossbar.Bar)
	PlaySound(s Sound)
	PlaySoundAt(s Sound, x, y, z float64)
	StopSound(stop SoundStop)
	OpenBook(book Book)
}

// Handled is one receiver bound to the handlers resolved for it at
// construction. It is immutable and safe for concurrent use.
type Handled[V any] struct {
	viewer   V
	ctx      text.Context
	renderer text.Renderer
	log      logx.Logger

	chat      Chat[V]
	actionBar ActionBar[V]
	titles    Titles[V]
	bossBars  BossBars[V]
	sounds    Sounds[V]
	books     Books[V]
}

// New resolves every capability for viewer eagerly. ctx is the rendering
// context handed to renderer; a nil renderer leaves content untouched.
func New[V any](viewer V, ctx text.Context, renderer text.Renderer, hs Handlers[V], log logx.Logger) *Handled[V] {
	if isNil(viewer) {
		panic("audience: nil viewer")
	}
	if renderer == nil {
		renderer = text.NopRenderer
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Handled[V]{
		viewer:   viewer,
		ctx:      ctx,
		renderer: renderer,
		log:      log.With(logx.String("viewer", fmt.Sprint(viewer))),
	}
	a.chat, _ = hs.Chat.Resolve(viewer)
	a.actionBar, _ = hs.ActionBar.Resolve(viewer)
	a.titles, _ = hs.Titles.Resolve(viewer)
	a.bossBars, _ = hs.BossBars.Resolve(viewer)
	a.sounds, _ = hs.Sounds.Resolve(viewer)
	a.books, _ = hs.Books.Resolve(viewer)
	return a
}

func (a *Handled[V]) Viewer() V { return a.viewer }

// Bindings reports the handler bound per capability; unsupported
// capabilities are absent.
func (a *Handled[V]) Bindings() map[Capability]string {
	out := map[Capability]string{}
	add := func(c Capability, h any, ok bool) {
		if ok {
			out[c] = HandlerName(h)
		}
	}
	add(CapChat, a.chat, a.chat != nil)
	add(CapActionBar, a.actionBar, a.actionBar != nil)
	add(CapTitle, a.titles, a.titles != nil)
	add(CapBossBar, a.bossBars, a.bossBars != nil)
	add(CapSound, a.sounds, a.sounds != nil)
	add(CapBook, a.books, a.books != nil)
	return out
}

func (a *Handled[V]) render(c text.Component) text.Component {
	return a.renderer.Render(c, a.ctx)
}

// guard runs one handler call. Handlers are expected to swallow their own
// failures; this catches the ones that escape.
func (a *Handled[V]) guard(c Capability, h any, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			a.log.Error("handler panicked",
				logx.String("capability", c.String()),
				logx.String("handler", HandlerName(h)),
				logx.Any("panic", p),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	fn()
}

func (a *Handled[V]) SendMessage(msg text.Component) {
	h := a.chat
	if h == nil {
		return
	}
	a.guard(CapChat, h, func() {
		if st := h.InitState(a.render(msg)); st != nil {
			h.SendMessage(a.viewer, st)
		}
	})
}

func (a *Handled[V]) SendActionBar(msg text.Component) {
	h := a.actionBar
	if h == nil {
		return
	}
	a.guard(CapActionBar, h, func() {
		if st := h.InitState(a.render(msg)); st != nil {
			h.SendActionBar(a.viewer, st)
		}
	})
}

func (a *Handled[V]) ShowTitle(t Title) {
	h := a.titles
	if h == nil {
		return
	}
	a.guard(CapTitle, h, func() {
		title := h.InitState(a.render(t.Title))
		subtitle := h.InitState(a.render(t.Subtitle))
		if title == nil && subtitle == nil {
			return
		}
		h.ShowTitle(a.viewer, title, subtitle, t.Times)
	})
}

func (a *Handled[V]) ClearTitle() {
	if h := a.titles; h != nil {
		a.guard(CapTitle, h, func() { h.ClearTitle(a.viewer) })
	}
}

func (a *Handled[V]) ResetTitle() {
	if h := a.titles; h != nil {
		a.guard(CapTitle, h, func() { h.ResetTitle(a.viewer) })
	}
}

func (a *Handled[V]) ShowBossBar(bar *bossbar.Bar) {
	if bar == nil {
		panic("audience: ShowBossBar called with nil bar")
	}
	if h := a.bossBars; h != nil {
		a.guard(CapBossBar, h, func() { h.ShowBossBar(a.viewer, bar) })
	}
}

func (a *Handled[V]) HideBossBar(bar *bossbar.Bar) {
	if bar == nil {
		panic("audience: HideBossBar called with nil bar")
	}
	if h := a.bossBars; h != nil {
		a.guard(CapBossBar, h, func() { h.HideBossBar(a.viewer, bar) })
	}
}

func (a *Handled[V]) PlaySound(s Sound) {
	mustSound(s)
	if h := a.sounds; h != nil {
		a.guard(CapSound, h, func() { h.PlaySound(a.viewer, s) })
	}
}

func (a *Handled[V]) PlaySoundAt(s Sound, x, y, z float64) {
	mustSound(s)
	if h := a.sounds; h != nil {
		a.guard(CapSound, h, func() { h.PlaySoundAt(a.viewer, s, x, y, z) })
	}
}

func (a *Handled[V]) StopSound(stop SoundStop) {
	if h := a.sounds; h != nil {
		a.guard(CapSound, h, func() { h.StopSound(a.viewer, stop) })
	}
}

func (a *Handled[V]) OpenBook(book Book) {
	if book.Pages == nil {
		panic("audience: OpenBook called with nil pages")
	}
	h := a.books
	if h == nil {
		return
	}
	a.guard(CapBook, h, func() {
		rendered := Book{
			Title:  a.render(book.Title),
			Author: a.render(book.Author),
			Pages:  make([]text.Component, len(book.Pages)),
		}
		for i, p := range book.Pages {
			rendered.Pages[i] = a.render(p)
		}
		if st := h.InitState(rendered); st != nil {
			h.OpenBook(a.viewer, st)
		}
	})
}

func mustSound(s Sound) {
	if s.Key == "" {
		panic("audience: sound key is empty")
	}
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
