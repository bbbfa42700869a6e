// Package adapter implements transport.Adapter on top of telebot.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "pewcast/internal/runtime/supervisor"
	kit "pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

// Config configures the Telegram bot connection.
type Config struct {
	Token       string
	PollTimeout time.Duration
}

const (
	// textLimit stays under Telegram's 4096 character cap to leave room
	// for entities the server counts differently.
	textLimit = 4000
	menuLimit = 100
	descLimit = 256
)

type Adapter struct {
	log logx.Logger
	bot *tele.Bot

	out     atomic.Pointer[chan<- kit.Update]
	dropped atomic.Int64

	runMu sync.Mutex
	sup   *rtsup.Supervisor

	menuMu  sync.Mutex
	menuSum uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout, AllowedUpdates: []string{"message", "my_chat_member"}},
		OnError: func(err error, _ tele.Context) { log.Warn("telebot error", logx.Err(err)) },
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{log: log, bot: b}
	b.Handle(tele.OnText, a.onText)
	b.Handle(tele.OnMyChatMember, a.onMembership)
	return a, nil
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil {
		return nil
	}
	a.forward(kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		ThreadID:     m.ThreadID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		LanguageCode: m.Sender.LanguageCode,
		Text:         m.Text,
		IsGroup:      m.Chat.Type != tele.ChatPrivate,
	}})
	return nil
}

func (a *Adapter) onMembership(c tele.Context) error {
	u := c.ChatMember()
	if u == nil || u.Chat == nil || u.NewChatMember == nil {
		return nil
	}
	role := u.NewChatMember.Role
	mb := &kit.Membership{
		ChatID: u.Chat.ID,
		Active: role != tele.Left && role != tele.Kicked,
		Status: string(role),
	}
	if u.Sender != nil {
		mb.ByID = u.Sender.ID
	}
	a.forward(kit.Update{Kind: kit.UpdateMembership, Membership: mb})
	return nil
}

// forward hands up to the consumer without blocking the poll loop.
func (a *Adapter) forward(up kit.Update) {
	p := a.out.Load()
	if p == nil {
		return
	}
	select {
	case *p <- up:
	default:
		a.dropped.Add(1)
	}
}

// Start begins long polling. Updates go to out; when out is full they are
// dropped and counted. Start on a running adapter is a no-op.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.out.Store(&out)
	// Polling failures must not take the app down.
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))

	a.sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-t.C:
				a.reportDropped(cap(out))
			}
		}
	})
	a.sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start blocks until bot.Stop; an early return is restarted.
	a.sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return c.Err()
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Stop ends polling. A long poll still in flight is abandoned after a
// short grace window; Stop never fails shutdown.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	a.out.Store(nil)
	a.runMu.Unlock()
	if sup == nil {
		return nil
	}

	sup.Cancel()
	go a.bot.Stop()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Warn("telegram stop incomplete", logx.Err(err))
	}
	a.log.Info("stopped")
	return nil
}

var retryAfter = regexp.MustCompile(`retry after (\d+)`)

// classify maps platform errors onto the transport error contract: flood
// waits become RetryAfterError, a 403 becomes ErrForbidden.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var te *tele.Error
	if errors.As(err, &te) && te.Code == 403 {
		return fmt.Errorf("%w: %v", kit.ErrForbidden, err)
	}
	if m := retryAfter.FindStringSubmatch(err.Error()); m != nil {
		if n, convErr := strconv.Atoi(m[1]); convErr == nil {
			return &kit.RetryAfterError{After: time.Duration(n) * time.Second, Err: err}
		}
	}
	return err
}

func sendOptions(opt *kit.SendOptions, threadID int) *tele.SendOptions {
	so := &tele.SendOptions{ThreadID: threadID}
	if opt != nil {
		so.ParseMode = opt.ParseMode
		so.DisableWebPagePreview = opt.DisablePreview
		so.DisableNotification = opt.Silent
	}
	return so
}

func parseMode(opt *kit.SendOptions) string {
	if opt == nil {
		return ""
	}
	return opt.ParseMode
}

// SendText sends text, split into several messages when it exceeds the
// platform limit. The ref of the first message is returned.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	var first kit.MessageRef
	for i, chunk := range splitText(text, textLimit, parseMode(opt)) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, chunk, sendOptions(opt, to.ThreadID))
		if err != nil {
			return first, classify(err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// EditText replaces the text of ref. Overflow beyond the limit is sent as
// follow-up messages. Editing to identical content is not an error.
func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chunks := splitText(text, textLimit, parseMode(opt))
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	if _, err := a.bot.Edit(m, chunks[0], sendOptions(opt, 0)); err != nil {
		if !strings.Contains(err.Error(), "message is not modified") {
			return classify(err)
		}
	}
	if len(chunks) == 1 {
		return nil
	}
	_, err := a.SendText(ctx, ref.Target(), strings.Join(chunks[1:], "\n"), opt)
	return err
}

// DeleteText removes a message. A message that is already gone is not an
// error.
func (a *Adapter) DeleteText(ctx context.Context, ref kit.MessageRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ref.IsZero() {
		return nil
	}
	err := a.bot.Delete(&tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}})
	if errors.Is(err, tele.ErrNotFoundToDelete) {
		return nil
	}
	return classify(err)
}

// SendLog implements logx.ChatSink.
func (a *Adapter) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	_, err := a.SendText(ctx, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

// UpdateMenuCommands publishes the command menu. It only calls the API
// when the list differs from the last one published.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	menu := make([]tele.Command, 0, min(len(cmds), menuLimit))
	h := fnv.New64a()
	for _, c := range cmds {
		if c.Command == "" || len(menu) == menuLimit {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > descLimit {
			d = d[:descLimit]
		}
		menu = append(menu, tele.Command{Text: c.Command, Description: d})
		_, _ = h.Write([]byte(c.Command + "\x00" + d + "\x00"))
	}
	sum := h.Sum64()

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if sum == a.menuSum {
		return nil
	}
	if err := a.bot.SetCommands(menu); err != nil {
		return err
	}
	a.menuSum = sum
	a.log.Info("menu commands updated", logx.Int("count", len(menu)))
	return nil
}
