// Package bossbar implements the observable boss bar entity and the
// subscription registry that fans bar changes out to receivers.
package bossbar

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"pewcast/internal/text"
)

type Color uint8

const (
	Pink Color = iota
	Blue
	Red
	Green
	Yellow
	Purple
	White
)

var colorNames = [...]string{"pink", "blue", "red", "green", "yellow", "purple", "white"}

func (c Color) String() string {
	if int(c) < len(colorNames) {
		return colorNames[c]
	}
	return fmt.Sprintf("color(%d)", uint8(c))
}

func ParseColor(s string) (Color, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range colorNames {
		if n == s {
			return Color(i), nil
		}
	}
	return 0, fmt.Errorf("unknown boss bar color %q", s)
}

// Overlay is the segmentation style of a bar.
type Overlay uint8

const (
	Progress Overlay = iota
	Notched6
	Notched10
	Notched12
	Notched20
)

var overlayNames = [...]string{"progress", "notched_6", "notched_10", "notched_12", "notched_20"}

func (o Overlay) String() string {
	if int(o) < len(overlayNames) {
		return overlayNames[o]
	}
	return fmt.Sprintf("overlay(%d)", uint8(o))
}

// Segments returns the number of segments drawn for the overlay, 0 for a
// continuous bar.
func (o Overlay) Segments() int {
	switch o {
	case Notched6:
		return 6
	case Notched10:
		return 10
	case Notched12:
		return 12
	case Notched20:
		return 20
	default:
		return 0
	}
}

func ParseOverlay(s string) (Overlay, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range overlayNames {
		if n == s {
			return Overlay(i), nil
		}
	}
	return 0, fmt.Errorf("unknown boss bar overlay %q", s)
}

// Flag is one independent bar flag. The values are the wire bit values.
type Flag uint8

const (
	DarkenScreen   Flag = 1 << iota // 1
	PlayBossMusic                   // 2
	CreateWorldFog                  // 4
)

// Flags is a set of Flag.
type Flags uint8

func FlagsOf(fs ...Flag) Flags {
	var out Flags
	for _, f := range fs {
		out |= Flags(f)
	}
	return out
}

func (s Flags) Has(f Flag) bool { return s&Flags(f) != 0 }

func (s Flags) String() string {
	var parts []string
	if s.Has(DarkenScreen) {
		parts = append(parts, "darken_screen")
	}
	if s.Has(PlayBossMusic) {
		parts = append(parts, "play_boss_music")
	}
	if s.Has(CreateWorldFog) {
		parts = append(parts, "create_world_fog")
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func ParseFlag(s string) (Flag, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "darken_screen":
		return DarkenScreen, nil
	case "play_boss_music":
		return PlayBossMusic, nil
	case "create_world_fog":
		return CreateWorldFog, nil
	default:
		return 0, fmt.Errorf("unknown boss bar flag %q", s)
	}
}

// State is a point-in-time copy of a bar's attributes.
type State struct {
	Name     text.Component
	Progress float32
	Color    Color
	Overlay  Overlay
	Flags    Flags
}

// Listener observes bar mutations. Callbacks run synchronously inside the
// mutating call, after the new value is visible. A listener must not mutate
// the bar it observes. Listener values are compared with ==, so use pointers.
type Listener interface {
	BarNameChanged(bar *Bar, old, new text.Component)
	BarProgressChanged(bar *Bar, old, new float32)
	BarColorChanged(bar *Bar, old, new Color)
	BarOverlayChanged(bar *Bar, old, new Overlay)
	BarFlagsChanged(bar *Bar, old, new Flags)
}

// Bar is a mutable, observable boss bar. It is safe for concurrent use;
// mutations (and their notifications) are serialized per bar.
type Bar struct {
	emit sync.Mutex // serializes mutation + notification

	mu        sync.Mutex
	state     State
	listeners []Listener
}

// New creates a bar. It panics if progress is outside [0, 1].
func New(name text.Component, progress float32, color Color, overlay Overlay, flags ...Flag) *Bar {
	checkProgress(progress)
	return &Bar{state: State{
		Name:     name,
		Progress: progress,
		Color:    color,
		Overlay:  overlay,
		Flags:    FlagsOf(flags...),
	}}
}

func checkProgress(p float32) {
	if math.IsNaN(float64(p)) || p < 0 || p > 1 {
		panic(fmt.Sprintf("bossbar: progress %v out of range [0, 1]", p))
	}
}

func (b *Bar) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bar) Name() text.Component { return b.Snapshot().Name }
func (b *Bar) Progress() float32    { return b.Snapshot().Progress }
func (b *Bar) Color() Color         { return b.Snapshot().Color }
func (b *Bar) Overlay() Overlay     { return b.Snapshot().Overlay }
func (b *Bar) Flags() Flags         { return b.Snapshot().Flags }

// update applies fn under the state lock and returns the listeners to notify,
// or nil when nothing changed.
func (b *Bar) update(fn func(st *State) bool) []Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !fn(&b.state) {
		return nil
	}
	return append([]Listener(nil), b.listeners...)
}

func (b *Bar) SetName(name text.Component) {
	b.emit.Lock()
	defer b.emit.Unlock()
	var old text.Component
	ls := b.update(func(st *State) bool {
		if st.Name.Equal(name) {
			return false
		}
		old, st.Name = st.Name, name
		return true
	})
	for _, l := range ls {
		l.BarNameChanged(b, old, name)
	}
}

// SetProgress panics if p is outside [0, 1].
func (b *Bar) SetProgress(p float32) {
	checkProgress(p)
	b.emit.Lock()
	defer b.emit.Unlock()
	var old float32
	ls := b.update(func(st *State) bool {
		if st.Progress == p {
			return false
		}
		old, st.Progress = st.Progress, p
		return true
	})
	for _, l := range ls {
		l.BarProgressChanged(b, old, p)
	}
}

func (b *Bar) SetColor(c Color) {
	b.emit.Lock()
	defer b.emit.Unlock()
	var old Color
	ls := b.update(func(st *State) bool {
		if st.Color == c {
			return false
		}
		old, st.Color = st.Color, c
		return true
	})
	for _, l := range ls {
		l.BarColorChanged(b, old, c)
	}
}

func (b *Bar) SetOverlay(o Overlay) {
	b.emit.Lock()
	defer b.emit.Unlock()
	var old Overlay
	ls := b.update(func(st *State) bool {
		if st.Overlay == o {
			return false
		}
		old, st.Overlay = st.Overlay, o
		return true
	})
	for _, l := range ls {
		l.BarOverlayChanged(b, old, o)
	}
}

func (b *Bar) SetFlags(f Flags) {
	b.changeFlags(func(Flags) Flags { return f })
}

func (b *Bar) AddFlags(fs ...Flag) {
	b.changeFlags(func(cur Flags) Flags { return cur | FlagsOf(fs...) })
}

func (b *Bar) RemoveFlags(fs ...Flag) {
	b.changeFlags(func(cur Flags) Flags { return cur &^ FlagsOf(fs...) })
}

func (b *Bar) changeFlags(fn func(Flags) Flags) {
	b.emit.Lock()
	defer b.emit.Unlock()
	var old, next Flags
	ls := b.update(func(st *State) bool {
		next = fn(st.Flags)
		if st.Flags == next {
			return false
		}
		old, st.Flags = st.Flags, next
		return true
	})
	for _, l := range ls {
		l.BarFlagsChanged(b, old, next)
	}
}

// AddListener registers l and reports whether it was newly added.
func (b *Bar) AddListener(l Listener) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, x := range b.listeners {
		if x == l {
			return false
		}
	}
	b.listeners = append(b.listeners, l)
	return true
}

// RemoveListener unregisters l and reports whether it was registered.
func (b *Bar) RemoveListener(l Listener) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, x := range b.listeners {
		if x == l {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (b *Bar) ListenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}
