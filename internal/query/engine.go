// Package query executes keyword searches against an immutable
// index.Index snapshot: candidate generation through postings
// intersection, substring verification, heuristic scoring, and snippet
// extraction. A search is a pure function of (index, query, limit), so
// results are safe to memoize.
package query

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/qiyuan-lin/convsearch/internal/index"
	"github.com/qiyuan-lin/convsearch/internal/index/tokenizer"
)

const (
	// Long multi-token ASCII queries skip exact-substring verification
	// and accept per-token matches, tolerating queries that are not a
	// contiguous run in any single document.
	longQueryMinLen    = 28
	longQueryMinTokens = 3

	// maxCJKTerms caps how many distinct CJK characters take part in
	// the candidate intersection.
	maxCJKTerms = 8

	// maxProbeTokens caps how many tokens are probed when locating the
	// earliest match of a long query.
	maxProbeTokens = 6
)

// Result is one ranked search hit.
type Result struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	Score    int    `json:"score"`
}

// ScorePolicy holds the ranking bonuses. The exact constants are
// tuning knobs, not contracts: callers should rely on relative
// ordering (title match outranks body-only match, earlier outranks
// later), never on absolute scores.
type ScorePolicy struct {
	// TitleMatch is added when the whole normalized query occurs in
	// the normalized title.
	TitleMatch int
	// TitleAllTokens is added for long queries whose significant
	// tokens all occur in the title.
	TitleAllTokens int
	// EarlinessMax is the largest position bonus; it decays linearly
	// with the rune offset of the first match and reaches zero at
	// offset EarlinessMax.
	EarlinessMax int
}

// DefaultScorePolicy returns the standard ranking bonuses.
func DefaultScorePolicy() ScorePolicy {
	return ScorePolicy{
		TitleMatch:     100,
		TitleAllTokens: 80,
		EarlinessMax:   50,
	}
}

// Engine runs queries with a fixed scoring policy.
type Engine struct {
	policy ScorePolicy
}

// NewEngine creates an Engine with the given policy.
func NewEngine(policy ScorePolicy) *Engine {
	return &Engine{policy: policy}
}

type hit struct {
	score int
	di    int
	// pos is the byte offset of the first match in TextNorm, -1 when
	// the match is token-only and no token was located.
	pos   int
	match string
}

// Search returns up to limit ranked results for rawQuery against idx.
// An empty normalized query yields an empty result set. The output is
// deterministic for a fixed index and query.
func (e *Engine) Search(idx *index.Index, rawQuery string, limit int) []Result {
	qNorm := tokenizer.Normalize(rawQuery)
	if qNorm == "" || idx == nil || limit <= 0 {
		return []Result{}
	}

	cjkTerms := tokenizer.CJKRunes(qNorm)
	tokens := tokenizer.Tokens(qNorm)
	primary := significantTokens(tokens)
	longQuery := len(cjkTerms) == 0 &&
		utf8.RuneCountInString(qNorm) >= longQueryMinLen &&
		len(primary) >= longQueryMinTokens

	candidates, ok := e.candidates(idx, cjkTerms, primary)
	if !ok {
		return []Result{}
	}

	hits := make([]hit, 0, len(candidates))
	for di := range candidates {
		if h, ok := e.scoreDoc(idx, di, qNorm, primary, longQuery); ok {
			hits = append(hits, h)
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].di < hits[j].di
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		doc := &idx.Docs[h.di]
		out = append(out, Result{
			ID:       doc.ID,
			Category: doc.Category,
			Title:    doc.Title,
			Snippet:  makeSnippet(doc.TextNorm, doc.TextView, h.pos, h.match),
			Score:    h.score,
		})
	}
	return out
}

// candidates computes the candidate document set. ok is false when the
// postings rule out every document.
func (e *Engine) candidates(idx *index.Index, cjkTerms []rune, primary []string) (index.DocSet, bool) {
	if len(cjkTerms) > 0 {
		if len(cjkTerms) > maxCJKTerms {
			cjkTerms = cjkTerms[:maxCJKTerms]
		}
		var candidates index.DocSet
		for _, r := range cjkTerms {
			posting := idx.CJK[r]
			if len(posting) == 0 {
				return nil, false
			}
			if candidates == nil {
				candidates = copySet(posting)
			} else {
				candidates = intersect(candidates, posting)
			}
			if len(candidates) == 0 {
				return nil, false
			}
		}
		return candidates, true
	}

	if len(primary) > 0 {
		postings := make([]index.DocSet, 0, len(primary))
		for _, tok := range primary {
			posting := idx.Tokens[tok]
			if len(posting) == 0 && len(tok) >= tokenizer.PrefixMinLen {
				posting = idx.Prefixes[tokenizer.PrefixKey(tok)]
			}
			if len(posting) == 0 {
				return nil, false
			}
			postings = append(postings, posting)
		}
		// Smallest-first keeps the working set minimal and
		// short-circuits early.
		sort.Slice(postings, func(i, j int) bool {
			return len(postings[i]) < len(postings[j])
		})
		candidates := copySet(postings[0])
		for _, posting := range postings[1:] {
			candidates = intersect(candidates, posting)
			if len(candidates) == 0 {
				return nil, false
			}
		}
		return candidates, true
	}

	// No usable terms: fall back to scanning every document.
	all := make(index.DocSet, len(idx.Docs))
	for i := range idx.Docs {
		all[i] = struct{}{}
	}
	return all, true
}

// scoreDoc verifies one candidate and computes its score. ok is false
// when verification rejects the document.
func (e *Engine) scoreDoc(idx *index.Index, di int, qNorm string, primary []string, longQuery bool) (hit, bool) {
	doc := &idx.Docs[di]

	pos := -1
	match := qNorm
	if !longQuery {
		pos = strings.Index(doc.TextNorm, qNorm)
		if pos < 0 {
			return hit{}, false
		}
	}

	score := 0
	titleNorm := tokenizer.Normalize(doc.Title)
	if strings.Contains(titleNorm, qNorm) {
		score += e.policy.TitleMatch
	}

	if longQuery {
		allInTitle := true
		for _, t := range primary {
			if !strings.Contains(titleNorm, t) {
				allInTitle = false
				break
			}
		}
		if allInTitle {
			score += e.policy.TitleAllTokens
		}
		if pos < 0 {
			pos, match = earliestToken(doc.TextNorm, primary)
		}
	}

	if pos >= 0 {
		off := utf8.RuneCountInString(doc.TextNorm[:pos])
		if off > e.policy.EarlinessMax {
			off = e.policy.EarlinessMax
		}
		score += e.policy.EarlinessMax - off
	}

	return hit{score: score, di: di, pos: pos, match: match}, true
}

// earliestToken finds the token among the first maxProbeTokens of
// primary with the lowest offset in textNorm.
func earliestToken(textNorm string, primary []string) (pos int, match string) {
	probe := primary
	if len(probe) > maxProbeTokens {
		probe = probe[:maxProbeTokens]
	}
	pos = -1
	for _, t := range probe {
		if p := strings.Index(textNorm, t); p >= 0 && (pos < 0 || p < pos) {
			pos = p
			match = t
		}
	}
	return pos, match
}

// significantTokens drops stop-words and short tokens; if that leaves
// nothing, every token is significant (the stop-word demotion is a
// preference, not a filter).
func significantTokens(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if len(t) >= tokenizer.PrefixMinLen && !tokenizer.IsStopWord(t) {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return tokens
	}
	return out
}

func copySet(s index.DocSet) index.DocSet {
	out := make(index.DocSet, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

func intersect(a, b index.DocSet) index.DocSet {
	if len(b) < len(a) {
		a, b = b, a
	}
	out := make(index.DocSet, len(a))
	for k := range a {
		if _, ok := b[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}
