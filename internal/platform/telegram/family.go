package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/text/language"

	"pewcast/internal/audience"
	"pewcast/internal/directory"
	"pewcast/internal/eventbus"
	"pewcast/internal/storage"
	"pewcast/internal/text"
	kit "pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

// Family is the telegram receiver family. Chats are keyed by chat id; a
// chat has at most one subscription.
type Family struct {
	handlers audience.Handlers[*Chat]
	dir      *directory.Directory[int64, *Chat]
	store    storage.Store
	direct   Direct
	fallback language.Tag
	log      logx.Logger
}

type Options struct {
	Sender   Sender
	Direct   Direct
	Renderer text.Renderer
	Store    storage.Store // optional
	Fallback language.Tag
	Bus      eventbus.Bus
	Log      logx.Logger
}

func NewFamily(o Options) *Family {
	log := o.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "telegram"))
	renderer := o.Renderer
	if renderer == nil {
		renderer = text.NopRenderer
	}
	fallback := o.Fallback
	if fallback == language.Und {
		fallback = language.English
	}
	f := &Family{
		handlers: Handlers(o.Sender, o.Direct, renderer, log).Build(log),
		store:    o.Store,
		direct:   o.Direct,
		fallback: fallback,
		log:      log,
	}
	f.dir = directory.New[int64, *Chat](FamilyName, func(c *Chat) *audience.Handled[*Chat] {
		return audience.New(c, c, renderer, f.handlers, log)
	}, o.Bus, log)
	return f
}

func (f *Family) Directory() *directory.Directory[int64, *Chat] { return f.dir }
func (f *Family) Handlers() audience.Handlers[*Chat]          { return f.handlers }
func (f *Family) Fallback() language.Tag                       { return f.fallback }

// Subscribe connects c and persists it. A chat that is already subscribed
// is replaced, which moves its bars to the new binding.
func (f *Family) Subscribe(ctx context.Context, c *Chat) (*directory.Member[*Chat], error) {
	m := f.dir.Connect(c.Target.ChatID, c)
	return m, f.persist(ctx, c)
}

// Unsubscribe disconnects the chat and forgets it. It reports whether the
// chat was known.
func (f *Family) Unsubscribe(ctx context.Context, chatID int64) (bool, error) {
	known := f.dir.Disconnect(chatID)
	if f.store == nil {
		return known, nil
	}
	deleted, err := f.store.DeleteReceiver(ctx, chatID)
	if err != nil {
		return known, fmt.Errorf("telegram: forget chat %d: %w", chatID, err)
	}
	return known || deleted, nil
}

// SetLocale rebinds a subscribed chat with tag and persists the change.
func (f *Family) SetLocale(ctx context.Context, chatID int64, tag language.Tag) (bool, error) {
	var updated *Chat
	ok := f.dir.Update(chatID, func(c *Chat) *Chat {
		updated = c.WithLocale(tag)
		return updated
	})
	if !ok {
		return false, nil
	}
	return true, f.persist(ctx, updated)
}

// Restore reconnects every persisted chat. It returns the number restored.
func (f *Family) Restore(ctx context.Context) (int, error) {
	if f.store == nil {
		return 0, nil
	}
	rs, err := f.store.ListReceivers(ctx)
	if err != nil {
		return 0, fmt.Errorf("telegram: list receivers: %w", err)
	}
	for _, r := range rs {
		f.dir.Connect(r.ChatID, &Chat{
			Target:   kit.ChatTarget{ChatID: r.ChatID, ThreadID: r.ThreadID},
			Lang:     ParseLocale(r.Locale, f.fallback),
			Private:  r.Private,
			Username: r.Username,
		})
	}
	if len(rs) > 0 {
		f.log.Info("chats restored", logx.Int("count", len(rs)))
	}
	return len(rs), nil
}

func (f *Family) persist(ctx context.Context, c *Chat) error {
	if f.store == nil || c == nil {
		return nil
	}
	err := f.store.PutReceiver(ctx, storage.Receiver{
		ChatID:   c.Target.ChatID,
		ThreadID: c.Target.ThreadID,
		Username: c.Username,
		Locale:   c.Lang.String(),
		Private:  c.Private,
		JoinedAt: time.Now().UTC(),
	})
	if err != nil && !errors.Is(err, storage.ErrDisabled) {
		return fmt.Errorf("telegram: persist chat %d: %w", c.Target.ChatID, err)
	}
	return nil
}
