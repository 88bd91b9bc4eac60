package query

import (
	"strings"
	"unicode/utf8"
)

// snippetRadius is the number of runes kept on each side of the match.
const snippetRadius = 60

// makeSnippet cuts a display window around the first match. pos is a
// byte offset into textNorm; lowercasing maps runes one-to-one, so the
// rune offset carries over exactly to textView even where byte lengths
// differ. Ellipsis markers flag truncation at either edge.
func makeSnippet(textNorm, textView string, pos int, match string) string {
	if pos < 0 {
		return ""
	}
	if pos > len(textNorm) {
		pos = len(textNorm)
	}
	runeOff := utf8.RuneCountInString(textNorm[:pos])
	matchRunes := utf8.RuneCountInString(match)

	view := []rune(textView)
	start := runeOff - snippetRadius
	if start < 0 {
		start = 0
	}
	end := runeOff + matchRunes + snippetRadius
	if end > len(view) {
		end = len(view)
	}
	if start > len(view) {
		start = len(view)
	}

	snippet := strings.TrimSpace(string(view[start:end]))
	if start > 0 {
		snippet = "…" + snippet
	}
	if end < len(view) {
		snippet = snippet + "…"
	}
	return snippet
}
