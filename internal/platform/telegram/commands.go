package telegram

import (
	"context"
	"errors"
	"html"
	"strings"

	"golang.org/x/text/language"

	"pewcast/internal/text"
	"pewcast/internal/transport/telegram/router"
	logx "pewcast/pkg/logx"
)

var errNoDirect = errors.New("telegram: no direct sender")

// Commands returns the subscription commands. status, when set, backs
// /status.
func (f *Family) Commands(status func() string) []router.Command {
	cmds := []router.Command{
		{
			Name:        "start",
			Aliases:     []string{"subscribe"},
			Description: "receive broadcasts in this chat",
			Handle:      f.cmdStart,
		},
		{
			Name:        "stop",
			Aliases:     []string{"unsubscribe"},
			Description: "stop receiving broadcasts",
			Handle:      f.cmdStop,
		},
		{
			Name:        "lang",
			Aliases:     []string{"language"},
			Description: "set the broadcast language",
			Usage:       "/lang <tag>",
			Handle:      f.cmdLang,
		},
	}
	if status != nil {
		cmds = append(cmds, router.Command{
			Name:        "status",
			Description: "show receivers and bridge state",
			Handle: func(ctx context.Context, req *router.Request) error {
				return f.reply(ctx, req, html.EscapeString(status()))
			},
		})
	}
	return cmds
}

// Reply answers a command directly, bypassing the outbox.
func (f *Family) Reply(ctx context.Context, req *router.Request, body string) error {
	return f.reply(ctx, req, body)
}

func (f *Family) reply(ctx context.Context, req *router.Request, body string) error {
	if f.direct == nil {
		return errNoDirect
	}
	_, err := f.direct.SendText(ctx, req.Chat, body, htmlOpts)
	return err
}

func (f *Family) cmdStart(ctx context.Context, req *router.Request) error {
	lang := ParseLocale(req.LanguageCode, f.fallback)
	if m, ok := f.dir.Get(req.Chat.ChatID); ok {
		lang = m.Viewer().Lang
	}
	m, err := f.Subscribe(ctx, &Chat{
		Target:   req.Chat,
		Lang:     lang,
		Private:  req.Private,
		Username: req.Username,
	})
	if err != nil {
		req.Logger.Warn("subscription not persisted", logx.Err(err))
	}
	m.SendMessage(text.Component{
		Key:  "pewcast.subscribed",
		Text: "Subscribed. Use /stop to leave and /lang to change the language.",
	})
	return nil
}

func (f *Family) cmdStop(ctx context.Context, req *router.Request) error {
	known, err := f.Unsubscribe(ctx, req.Chat.ChatID)
	if err != nil {
		return err
	}
	if !known {
		return f.reply(ctx, req, "not subscribed")
	}
	return f.reply(ctx, req, "unsubscribed")
}

func (f *Family) cmdLang(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		cur := f.fallback
		if m, ok := f.dir.Get(req.Chat.ChatID); ok {
			cur = m.Viewer().Lang
		}
		return f.reply(ctx, req, "usage: <code>/lang &lt;tag&gt;</code>\ncurrent: <code>"+html.EscapeString(cur.String())+"</code>")
	}
	tag, err := language.Parse(strings.ReplaceAll(req.Args[0], "_", "-"))
	if err != nil {
		return f.reply(ctx, req, "unknown language tag: <code>"+html.EscapeString(req.Args[0])+"</code>")
	}
	ok, err := f.SetLocale(ctx, req.Chat.ChatID, tag)
	if !ok {
		return f.reply(ctx, req, "not subscribed. use /start first")
	}
	if err != nil {
		req.Logger.Warn("locale not persisted", logx.Err(err))
	}
	if m, ok := f.dir.Get(req.Chat.ChatID); ok {
		m.SendMessage(text.Component{
			Key:  "pewcast.language",
			Text: "Language set to " + tag.String() + ".",
			Args: []text.Component{text.Of(tag.String())},
		})
	}
	return nil
}
