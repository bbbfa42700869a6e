package text

import (
	"fmt"
	"os"
	"sort"

	yaml "go.yaml.in/yaml/v3"
	"golang.org/x/text/language"
)

// Catalog holds translation patterns per locale.
//
// File format (YAML):
//
//	en:
//	  welcome: "Welcome, {0}!"
//	id:
//	  welcome: "Selamat datang, {0}!"
type Catalog struct {
	fallback language.Tag
	tags     []language.Tag
	matcher  language.Matcher
	entries  map[language.Tag]map[string]string
}

// NewCatalog builds a catalog from locale -> key -> pattern. The fallback
// locale is used when no locale matches and for keys missing in the matched
// locale.
func NewCatalog(fallback language.Tag, m map[string]map[string]string) (*Catalog, error) {
	c := &Catalog{fallback: fallback, entries: map[language.Tag]map[string]string{}}

	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	// The fallback goes first so the matcher prefers it on a weak match.
	c.tags = append(c.tags, fallback)
	for _, name := range names {
		tag, err := language.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("catalog: locale %q: %w", name, err)
		}
		if _, ok := c.entries[tag]; !ok && tag != fallback {
			c.tags = append(c.tags, tag)
		}
		entries := c.entries[tag]
		if entries == nil {
			entries = map[string]string{}
			c.entries[tag] = entries
		}
		for k, v := range m[name] {
			entries[k] = v
		}
	}
	c.matcher = language.NewMatcher(c.tags)
	return c, nil
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string, fallback language.Tag) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]map[string]string
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("catalog: yaml unmarshal: %w", err)
	}
	return NewCatalog(fallback, m)
}

// Lookup returns the pattern for key in the locale best matching tag.
func (c *Catalog) Lookup(tag language.Tag, key string) (string, bool) {
	if c == nil {
		return "", false
	}
	if tag != language.Und {
		_, idx, conf := c.matcher.Match(tag)
		if conf != language.No && idx >= 0 && idx < len(c.tags) {
			if p, ok := c.entries[c.tags[idx]][key]; ok {
				return p, true
			}
		}
	}
	p, ok := c.entries[c.fallback][key]
	return p, ok
}

// Locales lists the catalog's locales, fallback first.
func (c *Catalog) Locales() []language.Tag {
	if c == nil {
		return nil
	}
	return append([]language.Tag(nil), c.tags...)
}

func localeOf(ctx Context) language.Tag {
	if ctx == nil {
		return language.Und
	}
	return ctx.Locale()
}
