package text

import "golang.org/x/text/language"

// Context is the per-receiver rendering context.
type Context interface {
	Locale() language.Tag
	HasPermission(node string) bool
}

// StaticContext is a fixed Context, used for system audiences and tests.
type StaticContext struct {
	Lang  language.Tag
	Perms []string
}

func (c StaticContext) Locale() language.Tag { return c.Lang }

func (c StaticContext) HasPermission(node string) bool {
	for _, p := range c.Perms {
		if p == node || p == "*" {
			return true
		}
	}
	return false
}
