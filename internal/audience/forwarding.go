package audience

import (
	"pewcast/internal/bossbar"
	"pewcast/internal/text"
)

// Forwarding sends every action to each member in order.
type Forwarding []Audience

var _ Audience = Forwarding(nil)

func (f Forwarding) SendMessage(msg text.Component) {
	for _, a := range f {
		a.SendMessage(msg)
	}
}

func (f Forwarding) SendActionBar(msg text.Component) {
	for _, a := range f {
		a.SendActionBar(msg)
	}
}

func (f Forwarding) ShowTitle(t Title) {
	for _, a := range f {
		a.ShowTitle(t)
	}
}

func (f Forwarding) ClearTitle() {
	for _, a := range f {
		a.ClearTitle()
	}
}

func (f Forwarding) ResetTitle() {
	for _, a := range f {
		a.ResetTitle()
	}
}

func (f Forwarding) ShowBossBar(bar *bossbar.Bar) {
	if bar == nil {
		panic("audience: ShowBossBar called with nil bar")
	}
	for _, a := range f {
		a.ShowBossBar(bar)
	}
}

func (f Forwarding) HideBossBar(bar *bossbar.Bar) {
	if bar == nil {
		panic("audience: HideBossBar called with nil bar")
	}
	for _, a := range f {
		a.HideBossBar(bar)
	}
}

func (f Forwarding) PlaySound(s Sound) {
	mustSound(s)
	for _, a := range f {
		a.PlaySound(s)
	}
}

func (f Forwarding) PlaySoundAt(s Sound, x, y, z float64) {
	mustSound(s)
	for _, a := range f {
		a.PlaySoundAt(s, x, y, z)
	}
}

func (f Forwarding) StopSound(stop SoundStop) {
	for _, a := range f {
		a.StopSound(stop)
	}
}

func (f Forwarding) OpenBook(book Book) {
	if book.Pages == nil {
		panic("audience: OpenBook called with nil pages")
	}
	for _, a := range f {
		a.OpenBook(book)
	}
}

// Empty is an audience that ignores everything except invalid input.
var Empty Audience = Forwarding(nil)
