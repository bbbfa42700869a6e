package wire

import (
	"encoding/json"

	"pewcast/internal/audience"
	"pewcast/internal/bossbar"
	"pewcast/internal/text"
	logx "pewcast/pkg/logx"
)

// gate holds the two availability checks shared by every wire handler.
// A native gate serves clients at or above min when the server speaks min;
// a bridge gate serves injected clients at the bridge protocol while the
// bridge is on and the server cannot.
type gate struct {
	name   string
	min    int
	native int
	bridge *Bridge
	probe  func() bool
	log    logx.Logger
}

func nativeGate(name string, min, native int, log logx.Logger) gate {
	return gate{
		name:   name,
		min:    min,
		native: native,
		probe:  audience.Probe(func() bool { return native >= min }),
		log:    log.With(logx.String("handler", name)),
	}
}

func bridgeGate(name string, b *Bridge, log logx.Logger) gate {
	return gate{name: name, min: b.Protocol(), native: b.Native(), bridge: b, log: log.With(logx.String("handler", name))}
}

func (g gate) Name() string { return g.name }

func (g gate) Available() bool {
	if g.bridge != nil {
		return g.bridge.Enabled() && g.native < g.min
	}
	return g.probe()
}

func (g gate) AvailableFor(c *Conn) bool {
	if c == nil {
		return false
	}
	if g.bridge != nil && !c.Injected() {
		return false
	}
	return c.Protocol() >= g.min
}

// proto is the protocol packets to c are encoded for.
func (g gate) proto(c *Conn) int {
	if g.bridge != nil {
		return g.min
	}
	return min(g.native, c.Protocol())
}

func (g gate) send(c *Conn, typ PacketType, body any) {
	if err := c.Send(typ, g.proto(c), body); err != nil {
		c.log.Warn("packet encode failed", logx.String("handler", g.name), logx.Stringer("type", typ), logx.Err(err))
	}
}

// emptyComponent is sent as the title packet when only a subtitle is set.
const emptyComponent = `{"text":""}`

func componentJSON(c text.Component) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// encode returns c as component JSON, or nil after logging when c cannot
// be encoded.
func (g gate) encode(c text.Component) any {
	s, err := componentJSON(c)
	if err != nil {
		g.log.Warn("component encode failed", logx.Err(err))
		return nil
	}
	return s
}

// textHandler serves chat and the action bar. Legacy gates encode legacy
// formatted text; the rest send component JSON.
type textHandler struct{ gate }

func (h textHandler) InitState(msg text.Component) any {
	if msg.IsEmpty() {
		return nil
	}
	if h.min < ProtocolComponents {
		return text.Legacy(msg)
	}
	return h.encode(msg)
}

func (h textHandler) SendMessage(c *Conn, state any) {
	if s, ok := state.(string); ok {
		h.send(c, TypeChat, ChatBody{Position: PositionChat, Text: s})
	}
}

func (h textHandler) SendActionBar(c *Conn, state any) {
	if s, ok := state.(string); ok {
		h.send(c, TypeChat, ChatBody{Position: PositionActionBar, Text: s})
	}
}

type titleHandler struct{ gate }

func (h titleHandler) InitState(part text.Component) any {
	if part.IsEmpty() {
		return nil
	}
	return h.encode(part)
}

func (h titleHandler) ShowTitle(c *Conn, title, subtitle any, times audience.Times) {
	h.send(c, TypeTitle, TitleBody{
		Action:  TitleTimes,
		FadeIn:  audience.Ticks(times.FadeIn),
		Stay:    audience.Ticks(times.Stay),
		FadeOut: audience.Ticks(times.FadeOut),
	})
	if s, ok := subtitle.(string); ok {
		h.send(c, TypeTitle, TitleBody{Action: TitleSubtitle, Text: s})
	}
	// The title packet triggers display, so it goes last even when empty.
	t, ok := title.(string)
	if !ok {
		t = emptyComponent
	}
	h.send(c, TypeTitle, TitleBody{Action: TitleSet, Text: t})
}

func (h titleHandler) ClearTitle(c *Conn) { h.send(c, TypeTitle, TitleBody{Action: TitleClear}) }
func (h titleHandler) ResetTitle(c *Conn) { h.send(c, TypeTitle, TitleBody{Action: TitleReset}) }

// bossBarHandler owns one broadcaster, so each handler tracks its own
// instances and a rebind to another handler starts fresh.
type bossBarHandler struct {
	gate
	bars *bossbar.Broadcaster[*Conn]
}

func newBossBarHandler(g gate, renderer text.Renderer, log logx.Logger) bossBarHandler {
	d := &barDriver{gate: g, renderer: renderer}
	return bossBarHandler{gate: g, bars: bossbar.NewBroadcaster[*Conn](g.name, d, log)}
}

func (h bossBarHandler) ShowBossBar(c *Conn, bar *bossbar.Bar) { h.bars.Show(c, bar) }
func (h bossBarHandler) HideBossBar(c *Conn, bar *bossbar.Bar) { h.bars.Hide(c, bar) }

// barDriver encodes broadcaster messages as boss bar packets. Names are
// rendered per receiver so each client sees its own locale.
type barDriver struct {
	gate
	renderer text.Renderer
}

func (d *barDriver) render(c *Conn, n text.Component) (string, error) {
	return componentJSON(d.renderer.Render(n, c))
}

func (d *barDriver) Add(sub *bossbar.Subscription[*Conn], st bossbar.State) error {
	c := sub.Receiver
	name, err := d.render(c, st.Name)
	if err != nil {
		return err
	}
	return c.Send(TypeBossBar, d.proto(c), BossBarBody{
		ID:       sub.Instance,
		Action:   BarAdd,
		Name:     name,
		Progress: st.Progress,
		Color:    uint8(st.Color),
		Overlay:  uint8(st.Overlay),
		Flags:    uint8(st.Flags),
	})
}

func (d *barDriver) Remove(sub *bossbar.Subscription[*Conn]) error {
	c := sub.Receiver
	return c.Send(TypeBossBar, d.proto(c), BossBarBody{ID: sub.Instance, Action: BarRemove})
}

func (d *barDriver) Update(sub *bossbar.Subscription[*Conn], change bossbar.Change, st bossbar.State) error {
	c := sub.Receiver
	body := BossBarBody{ID: sub.Instance}
	switch change {
	case bossbar.ChangeName:
		name, err := d.render(c, st.Name)
		if err != nil {
			return err
		}
		body.Action = BarName
		body.Name = name
	case bossbar.ChangeProgress:
		body.Action = BarProgress
		body.Progress = st.Progress
	case bossbar.ChangeStyle:
		body.Action = BarStyle
		body.Color = uint8(st.Color)
		body.Overlay = uint8(st.Overlay)
	case bossbar.ChangeFlags:
		body.Action = BarFlags
		body.Flags = uint8(st.Flags)
	default:
		return nil
	}
	return c.Send(TypeBossBar, d.proto(c), body)
}

type soundHandler struct{ gate }

func (h soundHandler) PlaySound(c *Conn, s audience.Sound) {
	h.send(c, TypeSound, SoundBody{Key: s.Key, Source: uint8(s.Source), Volume: s.Volume, Pitch: s.Pitch})
}

func (h soundHandler) PlaySoundAt(c *Conn, s audience.Sound, x, y, z float64) {
	h.send(c, TypeSound, SoundBody{
		Key: s.Key, Source: uint8(s.Source), Volume: s.Volume, Pitch: s.Pitch,
		Positioned: true, X: x, Y: y, Z: z,
	})
}

func (h soundHandler) StopSound(c *Conn, stop audience.SoundStop) {
	if h.proto(c) < ProtocolBooks {
		c.log.Debug("stop sound unsupported", logx.Int("proto", h.proto(c)))
		return
	}
	body := StopSoundBody{Key: stop.Key}
	if stop.Source != nil {
		src := uint8(*stop.Source)
		body.Source = &src
	}
	h.send(c, TypeStopSound, body)
}

type bookHandler struct{ gate }

func (h bookHandler) InitState(book audience.Book) any {
	body := BookBody{
		Title:  text.Plain(book.Title),
		Author: text.Plain(book.Author),
		Pages:  make([]string, len(book.Pages)),
	}
	for i, p := range book.Pages {
		page, err := componentJSON(p)
		if err != nil {
			h.log.Warn("book page encode failed", logx.Int("page", i), logx.Err(err))
			return nil
		}
		body.Pages[i] = page
	}
	return body
}

func (h bookHandler) OpenBook(c *Conn, state any) {
	if body, ok := state.(BookBody); ok {
		h.send(c, TypeBook, body)
	}
}

// Handlers builds the wire handler set for a server speaking native.
// Bridge handlers come first so injected clients get the richer protocol.
func Handlers(native int, bridge *Bridge, renderer text.Renderer, log logx.Logger) audience.HandlerSet[*Conn] {
	if renderer == nil {
		renderer = text.NopRenderer
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	var (
		bChat  = textHandler{bridgeGate("bridge_chat", bridge, log)}
		nChat  = textHandler{nativeGate("native_chat", ProtocolComponents, native, log)}
		lChat  = textHandler{nativeGate("legacy_chat", ProtocolLegacy, native, log)}
		bTitle = titleHandler{bridgeGate("bridge_title", bridge, log)}
		nTitle = titleHandler{nativeGate("native_title", ProtocolComponents, native, log)}
		bBar   = newBossBarHandler(bridgeGate("bridge_boss_bar", bridge, log), renderer, log)
		nBar   = newBossBarHandler(nativeGate("native_boss_bar", ProtocolComponents, native, log), renderer, log)
		nSound = soundHandler{nativeGate("native_sound", ProtocolComponents, native, log)}
		bBook  = bookHandler{bridgeGate("bridge_book", bridge, log)}
		nBook  = bookHandler{nativeGate("native_book", ProtocolBooks, native, log)}
	)
	return audience.HandlerSet[*Conn]{
		Chat:      []audience.Chat[*Conn]{bChat, nChat, lChat},
		ActionBar: []audience.ActionBar[*Conn]{bChat, nChat, lChat},
		Titles:    []audience.Titles[*Conn]{bTitle, nTitle},
		BossBars:  []audience.BossBars[*Conn]{bBar, nBar},
		Sounds:    []audience.Sounds[*Conn]{nSound},
		Books:     []audience.Books[*Conn]{bBook, nBook},
	}
}
