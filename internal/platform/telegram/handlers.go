package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"pewcast/internal/audience"
	"pewcast/internal/bossbar"
	"pewcast/internal/text"
	kit "pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

var (
	htmlOpts   = &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	silentOpts = &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, Silent: true}
)

// queued is the availability shared by every outbox-backed handler.
type queued struct {
	name string
	out  Sender
	log  logx.Logger
}

func (q queued) Name() string              { return q.name }
func (q queued) Available() bool           { return q.out != nil && q.out.Enabled() }
func (q queued) AvailableFor(c *Chat) bool { return c != nil }

func (q queued) send(c *Chat, body string, opt *kit.SendOptions) {
	q.check(c, "send", q.out.Send(context.Background(), c.Target, body, opt, nil))
}

func (q queued) check(c *Chat, op string, err error) {
	if err != nil {
		q.log.Warn("telegram enqueue failed",
			logx.String("handler", q.name),
			logx.String("op", op),
			logx.Stringer("chat", c),
			logx.Err(err),
		)
	}
}

type chatHandler struct{ queued }

func (h chatHandler) InitState(msg text.Component) any {
	if msg.IsEmpty() {
		return nil
	}
	return text.HTML(msg)
}

func (h chatHandler) SendMessage(c *Chat, state any) {
	if s, ok := state.(string); ok {
		h.send(c, s, htmlOpts)
	}
}

// directChatHandler sends synchronously without retries.
type directChatHandler struct {
	direct Direct
	log    logx.Logger
}

func (h directChatHandler) Name() string              { return "direct_chat" }
func (h directChatHandler) Available() bool           { return h.direct != nil }
func (h directChatHandler) AvailableFor(c *Chat) bool { return c != nil }

func (h directChatHandler) InitState(msg text.Component) any {
	if msg.IsEmpty() {
		return nil
	}
	return text.HTML(msg)
}

func (h directChatHandler) SendMessage(c *Chat, state any) {
	s, ok := state.(string)
	if !ok {
		return
	}
	if _, err := h.direct.SendText(context.Background(), c.Target, s, htmlOpts); err != nil {
		h.log.Warn("telegram send failed", logx.Stringer("chat", c), logx.Err(err))
	}
}

// actionBarHandler only serves private chats.
type actionBarHandler struct{ queued }

func (h actionBarHandler) AvailableFor(c *Chat) bool { return c != nil && c.Private }

func (h actionBarHandler) InitState(msg text.Component) any {
	if msg.IsEmpty() {
		return nil
	}
	return "<i>" + text.HTML(msg) + "</i>"
}

func (h actionBarHandler) SendActionBar(c *Chat, state any) {
	if s, ok := state.(string); ok {
		h.send(c, s, silentOpts)
	}
}

type titleHandler struct{ queued }

func (h titleHandler) InitState(part text.Component) any {
	if part.IsEmpty() {
		return nil
	}
	return text.HTML(part)
}

func (h titleHandler) ShowTitle(c *Chat, title, subtitle any, _ audience.Times) {
	var lines []string
	if s, ok := title.(string); ok {
		lines = append(lines, "<b>"+s+"</b>")
	}
	if s, ok := subtitle.(string); ok {
		lines = append(lines, "<i>"+s+"</i>")
	}
	if len(lines) > 0 {
		h.send(c, strings.Join(lines, "\n"), htmlOpts)
	}
}

// Sent messages cannot be taken back as a title fade would.
func (h titleHandler) ClearTitle(*Chat) {}
func (h titleHandler) ResetTitle(*Chat) {}

type bookHandler struct{ queued }

func (h bookHandler) InitState(book audience.Book) any {
	var b strings.Builder
	if t := text.HTML(book.Title); t != "" {
		b.WriteString("<b>" + t + "</b>")
		if a := text.HTML(book.Author); a != "" {
			b.WriteString(" <i>by " + a + "</i>")
		}
		b.WriteString("\n")
	}
	for i, p := range book.Pages {
		if i > 0 || b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(text.HTML(p))
	}
	if b.Len() == 0 {
		return nil
	}
	return b.String()
}

func (h bookHandler) OpenBook(c *Chat, state any) {
	if s, ok := state.(string); ok {
		h.send(c, s, htmlOpts)
	}
}

// bossBarHandler shows each bar as one message per chat, edited as the bar
// changes and deleted when hidden.
type bossBarHandler struct {
	queued
	bars *bossbar.Broadcaster[*Chat]
}

func (h bossBarHandler) ShowBossBar(c *Chat, bar *bossbar.Bar) { h.bars.Show(c, bar) }
func (h bossBarHandler) HideBossBar(c *Chat, bar *bossbar.Bar) { h.bars.Hide(c, bar) }

// barMessage is the driver state of one subscription.
type barMessage struct {
	mu   sync.Mutex
	ref  kit.MessageRef
	last string
}

func (m *barMessage) setRef(ref kit.MessageRef, err error) {
	if err != nil {
		return
	}
	m.mu.Lock()
	m.ref = ref
	m.mu.Unlock()
}

func (m *barMessage) getRef() (kit.MessageRef, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ref, !m.ref.IsZero()
}

var errNoBarState = errors.New("boss bar subscription has no message state")

type barDriver struct {
	out      Sender
	renderer text.Renderer
}

func (d *barDriver) render(c *Chat, st bossbar.State) string {
	name := text.HTML(d.renderer.Render(st.Name, c))
	return fmt.Sprintf("%s <b>%s</b>\n%s", colorMark(st.Color), name, ProgressLine(st.Progress, st.Overlay))
}

func (d *barDriver) Add(sub *bossbar.Subscription[*Chat], st bossbar.State) error {
	m := &barMessage{last: d.render(sub.Receiver, st)}
	sub.SetData(m)
	return d.out.Send(context.Background(), sub.Receiver.Target, m.last, htmlOpts, m.setRef)
}

func (d *barDriver) Update(sub *bossbar.Subscription[*Chat], change bossbar.Change, st bossbar.State) error {
	m, ok := sub.Data().(*barMessage)
	if !ok {
		return errNoBarState
	}
	if change == bossbar.ChangeFlags {
		return nil
	}
	body := d.render(sub.Receiver, st)
	if body == m.last {
		return nil
	}
	m.last = body
	return d.out.Edit(context.Background(), sub.Receiver.Target, m.getRef, body, htmlOpts)
}

func (d *barDriver) Remove(sub *bossbar.Subscription[*Chat]) error {
	m, ok := sub.Data().(*barMessage)
	if !ok {
		return errNoBarState
	}
	return d.out.Delete(context.Background(), sub.Receiver.Target, m.getRef)
}

// ProgressLine draws p as a bar of filled and empty cells followed by a
// percentage. Notched overlays use their notch count as the cell count.
func ProgressLine(p float32, o bossbar.Overlay) string {
	cells := o.Segments()
	if cells == 0 {
		cells = 10
	}
	filled := min(max(int(p*float32(cells)+0.5), 0), cells)
	return strings.Repeat("▰", filled) + strings.Repeat("▱", cells-filled) + fmt.Sprintf(" %d%%", int(p*100+0.5))
}

func colorMark(c bossbar.Color) string {
	switch c {
	case bossbar.Pink:
		return "🩷"
	case bossbar.Blue:
		return "🔵"
	case bossbar.Red:
		return "🔴"
	case bossbar.Green:
		return "🟢"
	case bossbar.Yellow:
		return "🟡"
	case bossbar.Purple:
		return "🟣"
	default:
		return "⚪"
	}
}

// Handlers builds the telegram handler set. Sound has no chat equivalent
// and is left unsupported.
func Handlers(out Sender, direct Direct, renderer text.Renderer, log logx.Logger) audience.HandlerSet[*Chat] {
	if renderer == nil {
		renderer = text.NopRenderer
	}
	q := func(name string) queued { return queued{name: name, out: out, log: log} }
	bars := bossbar.NewBroadcaster[*Chat]("telegram_boss_bar", &barDriver{out: out, renderer: renderer}, log)

	set := audience.HandlerSet[*Chat]{
		Chat:      []audience.Chat[*Chat]{chatHandler{q("outbox_chat")}},
		ActionBar: []audience.ActionBar[*Chat]{actionBarHandler{q("outbox_action_bar")}},
		Titles:    []audience.Titles[*Chat]{titleHandler{q("outbox_title")}},
		BossBars:  []audience.BossBars[*Chat]{bossBarHandler{queued: q("outbox_boss_bar"), bars: bars}},
		Books:     []audience.Books[*Chat]{bookHandler{q("outbox_book")}},
	}
	if direct != nil {
		set.Chat = append(set.Chat, directChatHandler{direct: direct, log: log})
	}
	return set
}
