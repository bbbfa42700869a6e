package text

import "strings"

// Color is a named text color. The zero value means "inherit".
type Color uint8

const (
	ColorNone Color = iota
	Black
	DarkBlue
	DarkGreen
	DarkAqua
	DarkRed
	DarkPurple
	Gold
	Gray
	DarkGray
	Blue
	Green
	Aqua
	Red
	LightPurple
	Yellow
	White
)

var colorNames = [...]string{
	"", "black", "dark_blue", "dark_green", "dark_aqua", "dark_red", "dark_purple", "gold",
	"gray", "dark_gray", "blue", "green", "aqua", "red", "light_purple", "yellow", "white",
}

func (c Color) String() string {
	if int(c) < len(colorNames) {
		return colorNames[c]
	}
	return ""
}

// ParseColor maps a color name (as used in config and catalogs) to a Color.
func ParseColor(s string) (Color, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range colorNames {
		if i > 0 && n == s {
			return Color(i), true
		}
	}
	return ColorNone, false
}

// Style is the visual style of a component. Children inherit the parent's
// style; a child color overrides, decorations accumulate.
type Style struct {
	Color         Color
	Bold          bool
	Italic        bool
	Underlined    bool
	Strikethrough bool
}

func (s Style) IsZero() bool { return s == Style{} }

// Merge returns s applied on top of parent.
func (s Style) Merge(parent Style) Style {
	out := parent
	if s.Color != ColorNone {
		out.Color = s.Color
	}
	out.Bold = out.Bold || s.Bold
	out.Italic = out.Italic || s.Italic
	out.Underlined = out.Underlined || s.Underlined
	out.Strikethrough = out.Strikethrough || s.Strikethrough
	return out
}

// Component is a tree of styled text. A node carries either literal Text or
// a translation Key with positional Args. The zero value is empty.
type Component struct {
	Text     string
	Key      string
	Args     []Component
	Style    Style
	Children []Component
}

// Of returns a literal component.
func Of(s string) Component { return Component{Text: s} }

// Translate returns a translatable component resolved by a Renderer.
func Translate(key string, args ...Component) Component {
	return Component{Key: key, Args: args}
}

// Join concatenates parts into one component.
func Join(parts ...Component) Component { return Component{Children: parts} }

func (c Component) Colored(col Color) Component {
	c.Style.Color = col
	return c
}

func (c Component) Bolded() Component {
	c.Style.Bold = true
	return c
}

func (c Component) Italicized() Component {
	c.Style.Italic = true
	return c
}

func (c Component) Append(children ...Component) Component {
	c.Children = append(append([]Component(nil), c.Children...), children...)
	return c
}

func (c Component) IsEmpty() bool {
	if c.Text != "" || c.Key != "" {
		return false
	}
	for _, ch := range c.Children {
		if !ch.IsEmpty() {
			return false
		}
	}
	return true
}

// segment is a run of text with its effective style.
type segment struct {
	style Style
	text  string
}

// flatten walks c depth-first and returns its text runs. Unresolved keys
// render as the key itself.
func flatten(c Component) []segment {
	var out []segment
	var walk func(Component, Style)
	walk = func(n Component, parent Style) {
		st := n.Style.Merge(parent)
		txt := n.Text
		if txt == "" && n.Key != "" {
			txt = n.Key
		}
		if txt != "" {
			out = append(out, segment{style: st, text: txt})
		}
		for _, ch := range n.Children {
			walk(ch, st)
		}
	}
	walk(c, Style{})
	return out
}

// Equal reports whether c and o are structurally identical.
func (c Component) Equal(o Component) bool {
	if c.Text != o.Text || c.Key != o.Key || c.Style != o.Style {
		return false
	}
	if len(c.Args) != len(o.Args) || len(c.Children) != len(o.Children) {
		return false
	}
	for i := range c.Args {
		if !c.Args[i].Equal(o.Args[i]) {
			return false
		}
	}
	for i := range c.Children {
		if !c.Children[i].Equal(o.Children[i]) {
			return false
		}
	}
	return true
}
