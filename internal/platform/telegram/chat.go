// Package telegram is the chat receiver family: every subscribed Telegram
// chat is an audience, served through the outbox.
package telegram

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/language"

	"pewcast/internal/outbox"
	kit "pewcast/internal/transport"
)

// FamilyName identifies telegram receivers in events, config and storage.
const FamilyName = "telegram"

// Chat is one subscribed chat. A chat is immutable; a locale change
// replaces it.
type Chat struct {
	Target   kit.ChatTarget
	Lang     language.Tag
	Private  bool
	Username string
}

func (c *Chat) String() string {
	if c.Target.ThreadID != 0 {
		return fmt.Sprintf("tg:%d/%d", c.Target.ChatID, c.Target.ThreadID)
	}
	return fmt.Sprintf("tg:%d", c.Target.ChatID)
}

func (c *Chat) Locale() language.Tag { return c.Lang }

// HasPermission is always false: chats carry no permission nodes.
func (c *Chat) HasPermission(string) bool { return false }

// WithLocale returns a copy of c using tag.
func (c *Chat) WithLocale(tag language.Tag) *Chat {
	cp := *c
	cp.Lang = tag
	return &cp
}

// ParseLocale accepts a BCP 47 tag such as "de" or "pt-BR". Telegram
// clients report underscores, which are accepted too.
func ParseLocale(raw string, fallback language.Tag) language.Tag {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), "_", "-")
	if raw == "" {
		return fallback
	}
	tag, err := language.Parse(raw)
	if err != nil {
		return fallback
	}
	return tag
}

// Sender is the delivery pipeline handlers write to.
// *outbox.Service implements it.
type Sender interface {
	Enabled() bool
	Send(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions, done func(kit.MessageRef, error)) error
	Edit(ctx context.Context, to kit.ChatTarget, ref outbox.RefFunc, text string, opt *kit.SendOptions) error
	Delete(ctx context.Context, to kit.ChatTarget, ref outbox.RefFunc) error
}

// Direct sends synchronously; it serves chat when the outbox is off.
type Direct interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}
