package text

import (
	"strconv"
	"strings"
	"sync/atomic"
)

// Renderer materializes a component for one receiver. Implementations must
// be pure and safe for concurrent use.
type Renderer interface {
	Render(c Component, ctx Context) Component
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(c Component, ctx Context) Component

func (f RendererFunc) Render(c Component, ctx Context) Component { return f(c, ctx) }

// NopRenderer returns components unchanged.
var NopRenderer Renderer = RendererFunc(func(c Component, _ Context) Component { return c })

// TranslationRenderer resolves translation keys through a Catalog using the
// receiver's locale. The catalog can be swapped while rendering.
type TranslationRenderer struct {
	catalog atomic.Pointer[Catalog]
}

// NewTranslationRenderer returns a renderer over cat. A nil catalog renders
// components unchanged until SetCatalog is called.
func NewTranslationRenderer(cat *Catalog) *TranslationRenderer {
	r := &TranslationRenderer{}
	r.catalog.Store(cat)
	return r
}

// SetCatalog replaces the catalog for subsequent renders.
func (r *TranslationRenderer) SetCatalog(cat *Catalog) { r.catalog.Store(cat) }

func (r *TranslationRenderer) Render(c Component, ctx Context) Component {
	if r == nil {
		return c
	}
	cat := r.catalog.Load()
	if cat == nil {
		return c
	}
	return render(cat, c, ctx)
}

func render(cat *Catalog, c Component, ctx Context) Component {
	out := c
	out.Children = nil

	if c.Key != "" {
		args := make([]Component, len(c.Args))
		for i, a := range c.Args {
			args[i] = render(cat, a, ctx)
		}
		pattern, ok := cat.Lookup(localeOf(ctx), c.Key)
		if ok {
			out.Text = ""
			out.Children = format(pattern, args)
		} else if out.Text == "" {
			out.Text = c.Key
		}
		out.Key = ""
		out.Args = nil
	}

	for _, ch := range c.Children {
		out.Children = append(out.Children, render(cat, ch, ctx))
	}
	return out
}

// format splits pattern on {N} placeholders and substitutes args. Unknown
// or malformed placeholders are kept literally.
func format(pattern string, args []Component) []Component {
	var out []Component
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			out = append(out, Of(lit.String()))
			lit.Reset()
		}
	}
	for i := 0; i < len(pattern); i++ {
		if pattern[i] != '{' {
			lit.WriteByte(pattern[i])
			continue
		}
		end := strings.IndexByte(pattern[i:], '}')
		if end < 0 {
			lit.WriteString(pattern[i:])
			break
		}
		idx, err := strconv.Atoi(pattern[i+1 : i+end])
		if err != nil || idx < 0 || idx >= len(args) {
			lit.WriteString(pattern[i : i+end+1])
			i += end
			continue
		}
		flush()
		out = append(out, args[idx])
		i += end
	}
	flush()
	return out
}
