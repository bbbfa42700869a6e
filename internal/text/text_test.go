package text

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/text/language"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	cat, err := NewCatalog(language.English, map[string]map[string]string{
		"en": {"welcome": "Welcome, {0}!", "bye": "Bye"},
		"id": {"welcome": "Selamat datang, {0}!"},
	})
	if err != nil {
		t.Fatalf("NewCatalog error: %v", err)
	}
	return cat
}

func TestTranslationRendererLocales(t *testing.T) {
	t.Parallel()
	r := NewTranslationRenderer(testCatalog(t))

	tests := []struct {
		name string
		lang language.Tag
		in   Component
		want string
	}{
		{name: "english", lang: language.English, in: Translate("welcome", Of("ana")), want: "Welcome, ana!"},
		{name: "indonesian", lang: language.Indonesian, in: Translate("welcome", Of("ana")), want: "Selamat datang, ana!"},
		{name: "regional variant", lang: language.MustParse("en-GB"), in: Translate("bye"), want: "Bye"},
		{name: "missing key in locale falls back", lang: language.Indonesian, in: Translate("bye"), want: "Bye"},
		{name: "unknown locale", lang: language.Japanese, in: Translate("bye"), want: "Bye"},
		{name: "unknown key", lang: language.English, in: Translate("nope"), want: "nope"},
		{name: "nested", lang: language.English, in: Join(Of("> "), Translate("welcome", Translate("bye"))), want: "> Welcome, Bye!"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Plain(r.Render(tt.in, StaticContext{Lang: tt.lang}))
			if got != tt.want {
				t.Fatalf("Render = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatKeepsUnknownPlaceholders(t *testing.T) {
	t.Parallel()
	got := Plain(Join(format("a {1} {x} {0", []Component{Of("z")})...))
	if got != "a {1} {x} {0" {
		t.Fatalf("format = %q", got)
	}
}

func TestLegacy(t *testing.T) {
	t.Parallel()
	c := Join(Of("Hi ").Colored(Red).Bolded(), Of("there"), Of("!").Colored(Gold))
	got := Legacy(c)
	want := "§c§lHi §rthere§6!"
	if got != want {
		t.Fatalf("Legacy = %q, want %q", got, want)
	}
	if got := Legacy(Of("plain")); got != "plain" {
		t.Fatalf("Legacy(plain) = %q", got)
	}
}

func TestHTMLEscapesAndNestsDecorations(t *testing.T) {
	t.Parallel()
	c := Join(Of("<b>").Bolded(), Component{Text: "x", Style: Style{Italic: true, Underlined: true}})
	got := HTML(c)
	want := "<b>&lt;b&gt;</b><i><u>x</u></i>"
	if got != want {
		t.Fatalf("HTML = %q, want %q", got, want)
	}
}

func TestMarshalJSON(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(Translate("welcome", Of("ana").Colored(Aqua)))
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	want := `{"translate":"welcome","with":[{"text":"ana","color":"aqua"}]}`
	if string(b) != want {
		t.Fatalf("json = %s, want %s", b, want)
	}
	b, _ = json.Marshal(Component{})
	if string(b) != `{"text":""}` {
		t.Fatalf("empty json = %s", b)
	}
}

func TestLoadCatalog(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "lang.yaml")
	data := "en:\n  hello: \"Hello\"\nid:\n  hello: \"Halo\"\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	cat, err := LoadCatalog(path, language.English)
	if err != nil {
		t.Fatalf("LoadCatalog error: %v", err)
	}
	if p, ok := cat.Lookup(language.Indonesian, "hello"); !ok || p != "Halo" {
		t.Fatalf("Lookup = %q,%v", p, ok)
	}
	if len(cat.Locales()) != 2 {
		t.Fatalf("Locales = %v", cat.Locales())
	}
}

func TestParseColor(t *testing.T) {
	t.Parallel()
	if c, ok := ParseColor("Light_Purple"); !ok || c != LightPurple {
		t.Fatalf("ParseColor = %v,%v", c, ok)
	}
	if _, ok := ParseColor("mauve"); ok {
		t.Fatal("expected unknown color")
	}
}
