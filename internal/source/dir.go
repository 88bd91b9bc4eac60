package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/qiyuan-lin/convsearch/pkg/errors"
	"github.com/qiyuan-lin/convsearch/pkg/logger"
)

const sniffBytes = 64 * 1024

// DirSource serves collections from a data root directory where each
// immediate subdirectory is one collection of per-conversation JSON
// export files. Nested subdirectories become result categories, and
// file names of the form `<title>_<id>.json` carry the display title
// and stable conversation id.
type DirSource struct {
	root   string
	logger *slog.Logger
}

// NewDirSource creates a DirSource rooted at root.
func NewDirSource(root string) *DirSource {
	return &DirSource{
		root:   root,
		logger: logger.WithComponent("dir-source"),
	}
}

// Root returns the data root directory.
func (s *DirSource) Root() string {
	return s.root
}

// Collections lists the available collection names (immediate
// subdirectories of the root), sorted.
func (s *DirSource) Collections() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("reading sources root %s: %w", s.root, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// ListDocuments scans one collection directory and returns its
// documents. Malformed files are skipped, not fatal: one bad export
// must not prevent the rest of the collection from being indexed.
func (s *DirSource) ListDocuments(ctx context.Context, collection string) ([]Document, error) {
	if collection == "" || collection != filepath.Base(collection) {
		return nil, errors.Newf(errors.ErrInvalidInput, 400, "bad collection name %q", collection)
	}
	dir := filepath.Join(s.root, collection)
	docs, skipped, err := ScanDir(ctx, dir)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		s.logger.Warn("skipped malformed export files",
			"collection", collection,
			"skipped", skipped,
			"indexed", len(docs),
		)
	}
	return docs, nil
}

// ScanDir walks dir recursively for conversation JSON files and
// extracts one Document per parseable file. It returns the documents
// in deterministic (lexical walk) order along with the count of files
// skipped as malformed.
func ScanDir(ctx context.Context, dir string) (docs []Document, skipped int, err error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, 0, fmt.Errorf("%w: %s", errors.ErrCollectionNotFound, dir)
	}

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}

		relDir, relErr := filepath.Rel(dir, filepath.Dir(path))
		if relErr != nil {
			relDir = "."
		}
		category := "all"
		if relDir != "." {
			category = filepath.ToSlash(relDir)
		}

		stem := strings.TrimSuffix(d.Name(), ".json")
		title, id := parseFilename(stem)

		if !looksLikeConversationJSON(path) {
			// Batch arrays and non-JSON blobs are container formats
			// handled by other sources, not malformed input.
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			skipped++
			return nil
		}
		var conv map[string]any
		if jsonErr := json.Unmarshal(data, &conv); jsonErr != nil {
			skipped++
			return nil
		}

		docs = append(docs, Document{
			ID:       id,
			Category: category,
			Title:    title,
			Text:     extractConversationText(conv),
		})
		return nil
	})
	if walkErr != nil {
		return nil, skipped, fmt.Errorf("%w: scanning %s: %v", errors.ErrSourceFailed, dir, walkErr)
	}
	return docs, skipped, nil
}

// parseFilename splits a `<title>_<id>` file stem on its last
// underscore. Stems without one serve as both title and id.
func parseFilename(stem string) (title, id string) {
	if i := strings.LastIndex(stem, "_"); i > 0 && i < len(stem)-1 {
		return stem[:i], stem[i+1:]
	}
	return stem, stem
}

// looksLikeConversationJSON sniffs the head of the file to cheaply
// reject JSON arrays and other non-object blobs before a full parse.
func looksLikeConversationJSON(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	head := make([]byte, sniffBytes)
	n, _ := f.Read(head)
	head = bytes.TrimLeft(head[:n], " \t\r\n")
	return len(head) > 0 && head[0] == '{'
}

// extractConversationText pulls the searchable plain text out of a
// ChatGPT-style conversation export: the export title plus every
// message's content parts, text fields, and thought summaries.
func extractConversationText(conv map[string]any) string {
	var out []string
	if title, ok := conv["title"].(string); ok && strings.TrimSpace(title) != "" {
		out = append(out, strings.TrimSpace(title))
	}

	mapping, ok := conv["mapping"].(map[string]any)
	if !ok {
		return strings.Join(out, "\n")
	}

	// Deterministic node order: mapping iteration order is random in
	// Go, and postings construction must be order-independent anyway,
	// but stable text offsets keep snippets and scores reproducible.
	keys := make([]string, 0, len(mapping))
	for k := range mapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		node, ok := mapping[k].(map[string]any)
		if !ok {
			continue
		}
		message, ok := node["message"].(map[string]any)
		if !ok {
			continue
		}
		content, ok := message["content"].(map[string]any)
		if !ok {
			continue
		}

		if parts, ok := content["parts"].([]any); ok {
			for _, p := range parts {
				if s, ok := p.(string); ok && s != "" {
					out = append(out, s)
				}
			}
		}
		for _, key := range []string{"text", "content"} {
			if s, ok := content[key].(string); ok && s != "" {
				out = append(out, s)
			}
		}
		if content["content_type"] == "thoughts" {
			if thoughts, ok := content["thoughts"].([]any); ok {
				for _, t := range thoughts {
					tm, ok := t.(map[string]any)
					if !ok {
						continue
					}
					for _, key := range []string{"content", "summary"} {
						if s, ok := tm[key].(string); ok && s != "" {
							out = append(out, s)
						}
					}
				}
			}
		}
	}
	return strings.Join(out, "\n")
}
