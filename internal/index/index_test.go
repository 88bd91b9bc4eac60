package index

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/qiyuan-lin/convsearch/internal/source"
	apperrors "github.com/qiyuan-lin/convsearch/pkg/errors"
)

func fixedSource(docs []source.Document) source.DocumentSource {
	return source.Func(func(context.Context, string) ([]source.Document, error) {
		return docs, nil
	})
}

func TestBuildPostings(t *testing.T) {
	src := fixedSource([]source.Document{
		{ID: "a1", Category: "all", Title: "Hello World", Text: "a friendly greeting about the world"},
		{ID: "b2", Category: "work", Title: "变压器", Text: "聊聊变压器的原理"},
	})

	idx, err := Build(context.Background(), "inbox", src, 7)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if idx.Collection != "inbox" || idx.Version != 7 {
		t.Errorf("collection/version = %q/%d", idx.Collection, idx.Version)
	}
	if idx.DocCount() != 2 {
		t.Fatalf("DocCount = %d, want 2", idx.DocCount())
	}

	// Title text is part of the indexed blob.
	if _, ok := idx.Tokens["hello"][0]; !ok {
		t.Error("title token 'hello' not indexed for doc 0")
	}
	if _, ok := idx.Tokens["world"][0]; !ok {
		t.Error("body token 'world' not indexed for doc 0")
	}
	if _, ok := idx.Prefixes["wor"][0]; !ok {
		t.Error("prefix 'wor' not indexed for doc 0")
	}
	if _, ok := idx.CJK['变'][1]; !ok {
		t.Error("CJK rune '变' not indexed for doc 1")
	}
	if set := idx.CJK['变']; len(set) != 1 {
		t.Errorf("CJK '变' postings = %d docs, want 1", len(set))
	}

	// Display form keeps case, search form does not.
	if idx.Docs[0].TextView[:11] != "Hello World" {
		t.Errorf("TextView = %q", idx.Docs[0].TextView)
	}
	if idx.Docs[0].TextNorm[:11] != "hello world" {
		t.Errorf("TextNorm = %q", idx.Docs[0].TextNorm)
	}
}

func TestBuildSkipsDocsWithoutID(t *testing.T) {
	src := fixedSource([]source.Document{
		{ID: "", Title: "no id", Text: "dropped"},
		{ID: "ok", Title: "kept", Text: "indexed"},
	})
	idx, err := Build(context.Background(), "c", src, 1)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if idx.DocCount() != 1 || idx.Skipped != 1 {
		t.Errorf("docs/skipped = %d/%d, want 1/1", idx.DocCount(), idx.Skipped)
	}
	if _, ok := idx.Tokens["dropped"]; ok {
		t.Error("skipped document leaked into postings")
	}
}

func TestBuildSourceError(t *testing.T) {
	src := source.Func(func(context.Context, string) ([]source.Document, error) {
		return nil, errors.New("disk on fire")
	})
	_, err := Build(context.Background(), "c", src, 1)
	if !errors.Is(err, apperrors.ErrSourceFailed) {
		t.Fatalf("err = %v, want ErrSourceFailed", err)
	}
}

func TestBuildDeterministic(t *testing.T) {
	docs := []source.Document{
		{ID: "a", Title: "Alpha", Text: "alpha beta gamma"},
		{ID: "b", Title: "Beta", Text: "beta gamma delta"},
		{ID: "c", Title: "多语言", Text: "gamma 变压器"},
	}
	first, err := Build(context.Background(), "c", fixedSource(docs), 1)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	second, err := Build(context.Background(), "c", fixedSource(docs), 2)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if !reflect.DeepEqual(first.Tokens, second.Tokens) {
		t.Error("token postings differ between identical builds")
	}
	if !reflect.DeepEqual(first.Prefixes, second.Prefixes) {
		t.Error("prefix postings differ between identical builds")
	}
	if !reflect.DeepEqual(first.CJK, second.CJK) {
		t.Error("CJK postings differ between identical builds")
	}
	if !reflect.DeepEqual(first.Docs, second.Docs) {
		t.Error("document arrays differ between identical builds")
	}
}

func TestDocCountNil(t *testing.T) {
	var idx *Index
	if idx.DocCount() != 0 {
		t.Error("nil DocCount != 0")
	}
}
