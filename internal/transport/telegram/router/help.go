package router

import (
	"context"
	"html"
	"strings"
)

// HelpText renders the command list in Telegram HTML. Owner-only commands
// are listed only for owners.
func (r *Router) HelpText(owner bool) string {
	var b strings.Builder
	b.WriteString("<b>Commands</b>\n")
	for _, c := range r.Commands() {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		usage := strings.TrimSpace(c.Usage)
		if usage == "" {
			usage = "/" + c.Name
		}
		b.WriteString("<code>" + html.EscapeString(usage) + "</code>")
		if d := strings.TrimSpace(c.Description); d != "" {
			b.WriteString(" - " + html.EscapeString(d))
		}
		if c.Access == AccessOwnerOnly {
			b.WriteString(" (owner)")
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// HelpCommand returns a /help command answering through send.
func (r *Router) HelpCommand(send func(ctx context.Context, req *Request, html string) error) Command {
	return Command{
		Name:        "help",
		Description: "list commands",
		Handle: func(ctx context.Context, req *Request) error {
			return send(ctx, req, r.HelpText(r.IsOwner(req.FromID)))
		},
	}
}
