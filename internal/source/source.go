// Package source defines the document-source boundary of the search
// engine. A DocumentSource turns a named collection of exported
// AI-assistant conversations into flat (id, category, title, text)
// tuples; the indexing core never parses export formats itself.
package source

import "context"

// Document is one conversation reduced to its searchable parts. Text
// is a plain-text blob extracted by the source; how it was produced
// (tree-walked export JSON, container normalization, HTML scraping) is
// the source's concern.
type Document struct {
	ID       string
	Category string
	Title    string
	Text     string
}

// DocumentSource enumerates the documents of a collection. For the
// same underlying data the listing must be deterministic, so that
// rebuilding an index twice yields identical postings.
type DocumentSource interface {
	ListDocuments(ctx context.Context, collection string) ([]Document, error)
}

// Func adapts a plain function to the DocumentSource interface.
type Func func(ctx context.Context, collection string) ([]Document, error)

func (f Func) ListDocuments(ctx context.Context, collection string) ([]Document, error) {
	return f(ctx, collection)
}
