package text

import (
	"encoding/json"
	"html"
	"strings"
)

// Plain returns the component's text without any styling.
func Plain(c Component) string {
	var b strings.Builder
	for _, s := range flatten(c) {
		b.WriteString(s.text)
	}
	return b.String()
}

// LegacyPrefix introduces a formatting code in legacy text.
const LegacyPrefix = '§'

const legacyColorCodes = "0123456789abcdef"

// Legacy serializes c with section-sign formatting codes, the only styling
// understood by pre-component clients. A color code resets decorations, so
// decorations are re-emitted after it.
func Legacy(c Component) string {
	var b strings.Builder
	var last Style
	first := true
	for _, s := range flatten(c) {
		if first || s.style != last {
			switch {
			case s.style.Color != ColorNone:
				writeCode(&b, legacyColorCodes[s.style.Color-1])
			case !first:
				writeCode(&b, 'r')
			}
			if s.style.Bold {
				writeCode(&b, 'l')
			}
			if s.style.Italic {
				writeCode(&b, 'o')
			}
			if s.style.Underlined {
				writeCode(&b, 'n')
			}
			if s.style.Strikethrough {
				writeCode(&b, 'm')
			}
			last = s.style
			first = false
		}
		b.WriteString(s.text)
	}
	return b.String()
}

func writeCode(b *strings.Builder, code byte) {
	b.WriteRune(LegacyPrefix)
	b.WriteByte(code)
}

// HTML serializes c for Telegram's HTML parse mode. Colors have no HTML
// equivalent there and are dropped.
func HTML(c Component) string {
	var b strings.Builder
	for _, s := range flatten(c) {
		esc := html.EscapeString(s.text)
		open, close := htmlTags(s.style)
		b.WriteString(open)
		b.WriteString(esc)
		b.WriteString(close)
	}
	return b.String()
}

func htmlTags(st Style) (string, string) {
	var open, close strings.Builder
	tags := make([]string, 0, 4)
	if st.Bold {
		tags = append(tags, "b")
	}
	if st.Italic {
		tags = append(tags, "i")
	}
	if st.Underlined {
		tags = append(tags, "u")
	}
	if st.Strikethrough {
		tags = append(tags, "s")
	}
	for _, t := range tags {
		open.WriteString("<" + t + ">")
	}
	for i := len(tags) - 1; i >= 0; i-- {
		close.WriteString("</" + tags[i] + ">")
	}
	return open.String(), close.String()
}

type jsonComponent struct {
	Text          string          `json:"text,omitempty"`
	Translate     string          `json:"translate,omitempty"`
	With          []jsonComponent `json:"with,omitempty"`
	Color         string          `json:"color,omitempty"`
	Bold          bool            `json:"bold,omitempty"`
	Italic        bool            `json:"italic,omitempty"`
	Underlined    bool            `json:"underlined,omitempty"`
	Strikethrough bool            `json:"strikethrough,omitempty"`
	Extra         []jsonComponent `json:"extra,omitempty"`
}

func toJSONComponent(c Component) jsonComponent {
	out := jsonComponent{
		Text:          c.Text,
		Translate:     c.Key,
		Color:         c.Style.Color.String(),
		Bold:          c.Style.Bold,
		Italic:        c.Style.Italic,
		Underlined:    c.Style.Underlined,
		Strikethrough: c.Style.Strikethrough,
	}
	for _, a := range c.Args {
		out.With = append(out.With, toJSONComponent(a))
	}
	for _, ch := range c.Children {
		out.Extra = append(out.Extra, toJSONComponent(ch))
	}
	return out
}

// MarshalJSON encodes c in the component JSON form understood by modern
// wire clients. An empty component encodes as {"text":""}.
func (c Component) MarshalJSON() ([]byte, error) {
	jc := toJSONComponent(c)
	if jc.Text == "" && jc.Translate == "" && len(jc.Extra) == 0 {
		return []byte(`{"text":""}`), nil
	}
	return json.Marshal(jc)
}
