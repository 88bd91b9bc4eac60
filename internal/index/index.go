// Package index implements the per-collection inverted index: a fixed
// document array plus token, token-prefix, and CJK-character postings,
// all derived deterministically from the documents at build time. An
// Index is immutable once built; rebuilds replace it wholesale.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/qiyuan-lin/convsearch/internal/index/tokenizer"
	"github.com/qiyuan-lin/convsearch/internal/source"
	"github.com/qiyuan-lin/convsearch/pkg/errors"
)

// Document is one indexed conversation. TextNorm is the lowercased,
// whitespace-collapsed search form; TextView keeps the original case
// for snippet display.
type Document struct {
	ID       string
	Category string
	Title    string
	TextNorm string
	TextView string
}

// DocSet is a set of positions into an Index's document array.
type DocSet map[int]struct{}

// Index holds one collection's documents and postings. Every doc
// position in any postings set is < len(Docs); postings are rebuilt
// together with the documents, never patched in place.
type Index struct {
	Collection string
	Docs       []Document
	Tokens     map[string]DocSet
	Prefixes   map[string]DocSet
	CJK        map[rune]DocSet

	// Version is a monotonically increasing build generation, used to
	// key derived caches so results from an old index can never be
	// served after a rebuild.
	Version int64
	BuiltAt time.Time

	// Skipped counts source documents dropped during the build
	// (partial-success policy).
	Skipped int
}

// Build constructs an Index for one collection by listing its
// documents from src and tokenizing each text blob. Documents without
// an id are skipped and counted rather than failing the build.
func Build(ctx context.Context, collection string, src source.DocumentSource, version int64) (*Index, error) {
	docs, err := src.ListDocuments(ctx, collection)
	if err != nil {
		if errors.IsSentinel(err) {
			// Already classified by the source; a missing collection
			// must stay a not-found, not a source failure.
			return nil, err
		}
		return nil, fmt.Errorf("%w: listing %s: %v", errors.ErrSourceFailed, collection, err)
	}

	idx := &Index{
		Collection: collection,
		Docs:       make([]Document, 0, len(docs)),
		Tokens:     make(map[string]DocSet),
		Prefixes:   make(map[string]DocSet),
		CJK:        make(map[rune]DocSet),
		Version:    version,
		BuiltAt:    time.Now(),
	}

	for _, d := range docs {
		if d.ID == "" {
			idx.Skipped++
			continue
		}
		// The title is part of the searchable blob so that title-only
		// terms still match.
		view := tokenizer.Collapse(d.Title + "\n" + d.Text)
		doc := Document{
			ID:       d.ID,
			Category: d.Category,
			Title:    d.Title,
			TextNorm: tokenizer.Normalize(view),
			TextView: view,
		}
		pos := len(idx.Docs)
		idx.Docs = append(idx.Docs, doc)
		idx.addPostings(pos, doc.TextNorm)
	}

	if idx.Skipped > 0 {
		slog.Default().Warn("documents skipped during index build",
			"collection", collection,
			"skipped", idx.Skipped,
		)
	}
	return idx, nil
}

func (idx *Index) addPostings(pos int, textNorm string) {
	for _, tok := range tokenizer.Tokens(textNorm) {
		addTo(idx.Tokens, tok, pos)
		for _, p := range tokenizer.Prefixes(tok) {
			addTo(idx.Prefixes, p, pos)
		}
	}
	for _, r := range tokenizer.CJKRunes(textNorm) {
		set, ok := idx.CJK[r]
		if !ok {
			set = make(DocSet)
			idx.CJK[r] = set
		}
		set[pos] = struct{}{}
	}
}

func addTo(m map[string]DocSet, key string, pos int) {
	set, ok := m[key]
	if !ok {
		set = make(DocSet)
		m[key] = set
	}
	set[pos] = struct{}{}
}

// DocCount returns the number of indexed documents.
func (idx *Index) DocCount() int {
	if idx == nil {
		return 0
	}
	return len(idx.Docs)
}
