// Package tokenizer provides the text normalization and term
// extraction rules shared by index construction and query parsing.
// ASCII alphanumeric runs become case-folded tokens, CJK text is
// handled per character, and a small English stop-word list demotes
// near-universal terms at query time.
package tokenizer

import (
	"strings"
	"unicode"
)

const (
	// MinTokenLen is the shortest ASCII run that becomes a token.
	MinTokenLen = 2
	// PrefixMinLen and PrefixMaxLen bound the token prefixes that get
	// their own postings: at most 6 extra entries per token, so a
	// partially-typed query term can match without a full scan.
	PrefixMinLen = 3
	PrefixMaxLen = 8
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "by": {}, "for": {}, "from": {}, "in": {}, "is": {},
	"it": {}, "of": {}, "on": {}, "or": {}, "that": {}, "the": {},
	"this": {}, "to": {}, "with": {},
}

// IsStopWord reports whether tok is a demoted short English word.
func IsStopWord(tok string) bool {
	_, ok := stopWords[tok]
	return ok
}

// IsCJK reports whether r falls in the CJK Unified Ideographs block,
// which covers the vast majority of Chinese text.
func IsCJK(r rune) bool {
	return r >= 0x4e00 && r <= 0x9fff
}

// Collapse trims s and collapses every whitespace run to a single
// space, preserving case. This is the display form of indexed text.
func Collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Normalize returns the search form of s: collapsed whitespace,
// lowercased.
func Normalize(s string) string {
	return strings.ToLower(Collapse(s))
}

// Tokens extracts the unique ASCII alphanumeric tokens of s, in first
// occurrence order, case-folded, dropping runs shorter than
// MinTokenLen.
func Tokens(s string) []string {
	var out []string
	seen := make(map[string]struct{})
	var run []rune
	flush := func() {
		if len(run) >= MinTokenLen {
			tok := strings.ToLower(string(run))
			if _, ok := seen[tok]; !ok {
				seen[tok] = struct{}{}
				out = append(out, tok)
			}
		}
		run = run[:0]
	}
	for _, r := range s {
		if isASCIIAlnum(r) {
			run = append(run, r)
			continue
		}
		flush()
	}
	flush()
	return out
}

// CJKRunes extracts the unique CJK characters of s in first occurrence
// order.
func CJKRunes(s string) []rune {
	var out []rune
	seen := make(map[rune]struct{})
	for _, r := range s {
		if !IsCJK(r) {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// Prefixes returns every prefix of tok with length PrefixMinLen up to
// min(PrefixMaxLen, len(tok)). Tokens shorter than PrefixMinLen yield
// nothing.
func Prefixes(tok string) []string {
	if len(tok) < PrefixMinLen {
		return nil
	}
	maxLen := len(tok)
	if maxLen > PrefixMaxLen {
		maxLen = PrefixMaxLen
	}
	out := make([]string, 0, maxLen-PrefixMinLen+1)
	for n := PrefixMinLen; n <= maxLen; n++ {
		out = append(out, tok[:n])
	}
	return out
}

// PrefixKey returns the prefix-postings lookup key for a query token:
// the token itself when it fits the prefix range, else its
// PrefixMaxLen-byte prefix.
func PrefixKey(tok string) string {
	if len(tok) <= PrefixMaxLen {
		return tok
	}
	return tok[:PrefixMaxLen]
}

func isASCIIAlnum(r rune) bool {
	return r < unicode.MaxASCII &&
		(r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
}
