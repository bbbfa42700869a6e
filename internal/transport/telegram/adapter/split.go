package adapter

import "strings"

// splitText cuts s into chunks of at most limit runes. A cut prefers the
// last newline in the window, then the last space, as long as the chunk
// keeps a third of the window. In HTML mode a cut never lands inside a
// tag or an entity.
func splitText(s string, limit int, mode string) []string {
	rs := []rune(s)
	if limit <= 0 || len(rs) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(mode, "HTML")

	var out []string
	for len(rs) > 0 {
		if len(rs) <= limit {
			out = append(out, string(rs))
			break
		}
		end := cutPoint(rs[:limit], limit/3)
		if html {
			end = outsideMarkup(rs[:end], end)
		}
		if chunk := strings.TrimRight(string(rs[:end]), "\n "); chunk != "" {
			out = append(out, chunk)
		}
		rs = rs[end:]
		for len(rs) > 0 && (rs[0] == '\n' || rs[0] == ' ') {
			rs = rs[1:]
		}
	}
	if len(out) == 0 {
		return []string{""}
	}
	return out
}

func cutPoint(win []rune, floor int) int {
	for _, sep := range []rune{'\n', ' '} {
		for i := len(win) - 1; i >= floor; i-- {
			if win[i] == sep {
				return i + 1
			}
		}
	}
	return len(win)
}

// outsideMarkup moves end back to the start of an unterminated tag or
// entity. It keeps end when that would empty the chunk.
func outsideMarkup(win []rune, end int) int {
	for i := len(win) - 1; i >= 0; i-- {
		switch win[i] {
		case '>', ';':
			return end
		case '<', '&':
			if i == 0 {
				return end
			}
			return i
		}
	}
	return end
}
