package audience

import (
	"pewcast/internal/bossbar"
	"pewcast/internal/text"
	logx "pewcast/pkg/logx"
)

// Capability is one audience action kind.
type Capability uint8

const (
	CapChat Capability = iota
	CapActionBar
	CapTitle
	CapBossBar
	CapSound
	CapBook
)

// Capabilities lists every capability in display order.
var Capabilities = []Capability{CapChat, CapActionBar, CapTitle, CapBossBar, CapSound, CapBook}

func (c Capability) String() string {
	switch c {
	case CapChat:
		return "chat"
	case CapActionBar:
		return "action_bar"
	case CapTitle:
		return "title"
	case CapBossBar:
		return "boss_bar"
	case CapSound:
		return "sound"
	case CapBook:
		return "book"
	default:
		return "unknown"
	}
}

// InitState implementations return a value handed back to the dispatch
// method, or nil when there is nothing to send. Dispatch methods must treat
// a nil state as a no-op. Handlers log and swallow their own failures.

type Chat[V any] interface {
	Handler[V]
	InitState(msg text.Component) any
	SendMessage(viewer V, state any)
}

type ActionBar[V any] interface {
	Handler[V]
	InitState(msg text.Component) any
	SendActionBar(viewer V, state any)
}

type Titles[V any] interface {
	Handler[V]
	InitState(part text.Component) any
	ShowTitle(viewer V, title, subtitle any, times Times)
	ClearTitle(viewer V)
	ResetTitle(viewer V)
}

type BossBars[V any] interface {
	Handler[V]
	ShowBossBar(viewer V, bar *bossbar.Bar)
	HideBossBar(viewer V, bar *bossbar.Bar)
}

type Sounds[V any] interface {
	Handler[V]
	PlaySound(viewer V, s Sound)
	PlaySoundAt(viewer V, s Sound, x, y, z float64)
	StopSound(viewer V, stop SoundStop)
}

type Books[V any] interface {
	Handler[V]
	InitState(book Book) any
	OpenBook(viewer V, state any)
}

// Handlers is the process-wide handler configuration for one receiver
// family. It is assembled once at startup and shared read-only. A nil
// registry means the capability is unsupported for the family.
type Handlers[V any] struct {
	Chat      *Registry[V, Chat[V]]
	ActionBar *Registry[V, ActionBar[V]]
	Titles    *Registry[V, Titles[V]]
	BossBars  *Registry[V, BossBars[V]]
	Sounds    *Registry[V, Sounds[V]]
	Books     *Registry[V, Books[V]]
}

// HandlerSet lists handlers per capability, most significant first.
type HandlerSet[V any] struct {
	Chat      []Chat[V]
	ActionBar []ActionBar[V]
	Titles    []Titles[V]
	BossBars  []BossBars[V]
	Sounds    []Sounds[V]
	Books     []Books[V]
}

// Build turns the handler lists into registries. Empty lists produce nil
// registries.
func (s HandlerSet[V]) Build(log logx.Logger) Handlers[V] {
	var h Handlers[V]
	if len(s.Chat) > 0 {
		h.Chat = NewRegistry[V, Chat[V]](CapChat, log, s.Chat...)
	}
	if len(s.ActionBar) > 0 {
		h.ActionBar = NewRegistry[V, ActionBar[V]](CapActionBar, log, s.ActionBar...)
	}
	if len(s.Titles) > 0 {
		h.Titles = NewRegistry[V, Titles[V]](CapTitle, log, s.Titles...)
	}
	if len(s.BossBars) > 0 {
		h.BossBars = NewRegistry[V, BossBars[V]](CapBossBar, log, s.BossBars...)
	}
	if len(s.Sounds) > 0 {
		h.Sounds = NewRegistry[V, Sounds[V]](CapSound, log, s.Sounds...)
	}
	if len(s.Books) > 0 {
		h.Books = NewRegistry[V, Books[V]](CapBook, log, s.Books...)
	}
	return h
}

// Describe lists the handler names per capability in resolution order.
func (h Handlers[V]) Describe() map[Capability][]string {
	return map[Capability][]string{
		CapChat:      h.Chat.Names(),
		CapActionBar: h.ActionBar.Names(),
		CapTitle:     h.Titles.Names(),
		CapBossBar:   h.BossBars.Names(),
		CapSound:     h.Sounds.Names(),
		CapBook:      h.Books.Names(),
	}
}
