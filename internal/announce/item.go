package announce

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"pewcast/internal/audience"
	"pewcast/internal/bossbar"
	"pewcast/internal/config"
	"pewcast/internal/text"
)

type Kind string

const (
	KindChat      Kind = "chat"
	KindActionBar Kind = "action_bar"
	KindTitle     Kind = "title"
	KindCountdown Kind = "countdown"
)

// Item is a compiled announcement, ready to fire.
type Item struct {
	Name     string
	Kind     Kind
	Spec     Spec
	Message  text.Component
	Subtitle text.Component
	Sound    *audience.Sound
	Families []string // empty means every family

	// countdown only
	Duration time.Duration
	BarColor bossbar.Color
	Overlay  bossbar.Overlay
	Flags    []bossbar.Flag
}

// Wants reports whether the item is delivered to family.
func (it Item) Wants(family string) bool {
	return len(it.Families) == 0 || slices.Contains(it.Families, family)
}

// Compile validates a and builds its Item.
func Compile(a config.Announcement) (Item, error) {
	it := Item{
		Name:     strings.TrimSpace(a.Name),
		Kind:     Kind(strings.ToLower(strings.TrimSpace(a.Kind))),
		Families: a.Families,
	}
	if it.Name == "" {
		return Item{}, errors.New("name required")
	}
	if it.Kind == "" {
		it.Kind = KindChat
	}
	var err error
	if it.Spec, err = ParseSchedule(a.Schedule); err != nil {
		return Item{}, err
	}
	if strings.TrimSpace(a.Message) == "" {
		return Item{}, errors.New("message required")
	}
	it.Message = component(a.Message, a.Args, a.Translate)
	if a.Subtitle != "" {
		it.Subtitle = component(a.Subtitle, a.Args, a.Translate)
	}
	if a.Color != "" {
		c, ok := text.ParseColor(a.Color)
		if !ok {
			return Item{}, fmt.Errorf("unknown color %q", a.Color)
		}
		it.Message = it.Message.Colored(c)
	}
	if a.Sound != "" {
		it.Sound = &audience.Sound{Key: a.Sound, Source: audience.SourceMaster, Volume: 1, Pitch: 1}
	}

	switch it.Kind {
	case KindChat, KindActionBar, KindTitle:
	case KindCountdown:
		if it.Duration, err = time.ParseDuration(strings.TrimSpace(a.Duration)); err != nil || it.Duration <= 0 {
			return Item{}, fmt.Errorf("countdown duration must be > 0 (got %q)", a.Duration)
		}
		it.BarColor = bossbar.Purple
		if a.BarColor != "" {
			if it.BarColor, err = bossbar.ParseColor(a.BarColor); err != nil {
				return Item{}, err
			}
		}
		if a.Overlay != "" {
			if it.Overlay, err = bossbar.ParseOverlay(a.Overlay); err != nil {
				return Item{}, err
			}
		}
		for _, f := range a.Flags {
			fl, err := bossbar.ParseFlag(f)
			if err != nil {
				return Item{}, err
			}
			it.Flags = append(it.Flags, fl)
		}
	default:
		return Item{}, fmt.Errorf("unknown kind %q", a.Kind)
	}
	return it, nil
}

// CompileAll compiles every item of cfg. Errors name the failing item.
func CompileAll(cfg config.AnnounceConfig) ([]Item, error) {
	items := make([]Item, 0, len(cfg.Items))
	seen := map[string]bool{}
	var errs []error
	for i, a := range cfg.Items {
		it, err := Compile(a)
		if err != nil {
			errs = append(errs, fmt.Errorf("announce.items[%d] %q: %w", i, a.Name, err))
			continue
		}
		if seen[it.Name] {
			errs = append(errs, fmt.Errorf("announce.items[%d]: duplicate name %q", i, it.Name))
			continue
		}
		seen[it.Name] = true
		items = append(items, it)
	}
	return items, errors.Join(errs...)
}

func component(s string, args []string, translate bool) text.Component {
	if !translate {
		return text.Of(s)
	}
	cs := make([]text.Component, len(args))
	for i, a := range args {
		cs[i] = text.Of(a)
	}
	return text.Translate(s, cs...)
}
