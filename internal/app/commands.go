package app

import (
	"context"
	"errors"
	"fmt"
	"html"
	"slices"
	"strconv"
	"strings"

	"pewcast/internal/config"
	"pewcast/internal/storage"
	"pewcast/internal/text"
	"pewcast/internal/transport/telegram/router"
	kit "pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

// onMembership drops a chat the bot was removed from or blocked in.
func (a *App) onMembership(ctx context.Context, m kit.Membership) {
	if m.Active {
		return
	}
	known, err := a.tg.Unsubscribe(ctx, m.ChatID)
	log := a.log.With(logx.Int64("chat_id", m.ChatID), logx.String("status", m.Status))
	switch {
	case err != nil:
		log.Warn("unsubscribe after removal failed", logx.Err(err))
	case known:
		log.Info("chat unsubscribed after removal", logx.Int64("by_id", m.ByID))
	}
}

func (a *App) registerCommands() error {
	cmds := a.tg.Commands(a.Status)
	cmds = append(cmds,
		router.Command{
			Name:        "announce",
			Description: "fire a scheduled announcement now",
			Usage:       "/announce <name>",
			Access:      router.AccessOwnerOnly,
			Handle:      a.cmdAnnounce,
		},
		router.Command{
			Name:        "bridge",
			Description: "toggle the protocol bridge",
			Usage:       "/bridge on|off",
			Access:      router.AccessOwnerOnly,
			Handle:      a.cmdBridge,
		},
		router.Command{
			Name:        "broadcast",
			Aliases:     []string{"say"},
			Description: "send a chat message to every receiver",
			Usage:       "/broadcast <text>",
			Access:      router.AccessOwnerOnly,
			Handle:      a.cmdBroadcast,
		},
		router.Command{
			Name:        "reload",
			Description: "reload the config file and catalog",
			Access:      router.AccessOwnerOnly,
			Handle:      a.cmdReload,
		},
	)
	if a.store != nil {
		cmds = append(cmds, router.Command{
			Name:        "audit",
			Description: "show recent operator and scheduler actions",
			Usage:       "/audit [n]",
			Access:      router.AccessOwnerOnly,
			Handle:      a.cmdAudit,
		})
	}
	cmds = append(cmds, a.router.HelpCommand(a.tg.Reply))
	return a.router.Register(cmds...)
}

func (a *App) cmdAnnounce(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		names := a.announce.Names()
		slices.Sort(names)
		if len(names) == 0 {
			return a.tg.Reply(ctx, req, "no announcements configured")
		}
		return a.tg.Reply(ctx, req, "announcements: <code>"+html.EscapeString(strings.Join(names, ", "))+"</code>")
	}
	if err := a.announce.Fire(ctx, req.Args[0]); err != nil {
		return err
	}
	return a.tg.Reply(ctx, req, "fired "+html.EscapeString(req.Args[0]))
}

func (a *App) cmdBridge(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return a.tg.Reply(ctx, req, "usage: <code>/bridge on|off</code>")
	}
	var on bool
	switch strings.ToLower(req.Args[0]) {
	case "on", "true", "1":
		on = true
	case "off", "false", "0":
	default:
		return errors.New("expected on or off")
	}
	n := a.wireFam.SetBridge(on)
	return a.tg.Reply(ctx, req, fmt.Sprintf("bridge %s, %d receivers rebound", req.Args[0], n))
}

func (a *App) cmdReload(ctx context.Context, req *router.Request) error {
	ch, err := a.cfgm.Reload(ctx)
	switch {
	case errors.Is(err, config.ErrUnchanged):
		return a.tg.Reply(ctx, req, "config unchanged")
	case err != nil:
		return err
	}
	if len(ch.Sections) == 0 {
		return a.tg.Reply(ctx, req, "config reloaded, no effective changes")
	}
	return a.tg.Reply(ctx, req, "reloaded: <code>"+html.EscapeString(strings.Join(ch.Sections, ", "))+"</code>")
}

func (a *App) cmdBroadcast(ctx context.Context, req *router.Request) error {
	msg := strings.TrimSpace(strings.Join(req.Args, " "))
	if msg == "" {
		return a.tg.Reply(ctx, req, "usage: <code>/broadcast &lt;text&gt;</code>")
	}
	n := a.Broadcast(text.Of(msg))
	req.Logger.Info("broadcast sent", logx.Int("receivers", n))
	return a.tg.Reply(ctx, req, fmt.Sprintf("sent to %d receivers", n))
}

func (a *App) cmdAudit(ctx context.Context, req *router.Request) error {
	n := 10
	if len(req.Args) > 0 {
		v, err := strconv.Atoi(req.Args[0])
		if err != nil || v <= 0 {
			return errors.New("n must be a positive number")
		}
		n = min(v, 50)
	}
	entries, err := a.store.RecentAudit(ctx, n)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return a.tg.Reply(ctx, req, "audit log is empty")
	}
	return a.tg.Reply(ctx, req, formatAudit(entries))
}

// formatAudit renders entries as HTML, one line each.
func formatAudit(entries []storage.AuditEntry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "<code>%s</code> %s.%s", e.At.UTC().Format("01-02 15:04:05"),
			html.EscapeString(e.Component), html.EscapeString(e.Action))
		if e.Target != "" {
			b.WriteString(" " + html.EscapeString(e.Target))
		}
		fmt.Fprintf(&b, " ok=%d", e.OK)
		if e.Fail > 0 {
			fmt.Fprintf(&b, " fail=%d", e.Fail)
		}
		if e.ActorUsername != "" {
			b.WriteString(" by @" + html.EscapeString(e.ActorUsername))
		}
		if e.Error != "" {
			b.WriteString(" <i>" + html.EscapeString(e.Error) + "</i>")
		}
	}
	return b.String()
}
