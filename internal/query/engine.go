// Package query evaluates structural selectors against the on-disk
// document set.
//
// This is deliberately a second read path, separate from the typed
// in-memory model: selectors are matched against each document's raw
// attributes, so ad hoc queries like [status='blocked'][priority='high']
// work without the typed model growing an accessor for every field.
// The cost is a re-parse per query, softened by a parse cache keyed on
// file path, size, and modification time.
package query

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andybalholm/cascadia"
	gocache "github.com/patrickmn/go-cache"
	xhtml "golang.org/x/net/html"

	"github.com/knotworklabs/knotwork/internal/document"
	"github.com/knotworklabs/knotwork/internal/model"
)

var selArticle = cascadia.MustCompile("article")

// Match is one document matched by a selector: where it lives, which
// record it is, and the attribute set of the element that matched.
type Match struct {
	Path       string
	ID         string
	Attributes map[string]string
}

// Engine runs selector queries over a document directory.
type Engine struct {
	dir   string
	cache *gocache.Cache
}

// New creates an engine over the given directory. The ttl bounds how
// long parsed documents are reused before being re-read; expired
// entries are purged at twice the ttl.
func New(dir string, ttl time.Duration) *Engine {
	return &Engine{
		dir:   dir,
		cache: gocache.New(ttl, 2*ttl),
	}
}

// Query evaluates a CSS selector against every document in the
// directory and returns one match per document whose root article (or
// any element under it) satisfies the selector. Results are ordered by
// path. An invalid selector is an error; an empty result set is not.
func (e *Engine) Query(selector string) ([]Match, error) {
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("query: invalid selector %q: %w", selector, err)
	}

	paths, err := e.documents()
	if err != nil {
		return nil, err
	}

	var matches []Match
	for _, path := range paths {
		root, err := e.parsed(path)
		if err != nil {
			continue // unreadable or not a parsable document; not fatal to the query
		}
		article := selArticle.MatchFirst(root)
		if article == nil {
			continue
		}
		hit := sel.MatchFirst(article)
		if hit == nil {
			continue
		}
		attrs := make(map[string]string, len(hit.Attr))
		for _, a := range hit.Attr {
			attrs[a.Key] = a.Val
		}
		matches = append(matches, Match{
			Path:       path,
			ID:         articleID(article),
			Attributes: attrs,
		})
	}
	return matches, nil
}

// QueryNodes runs Query and maps each matched document back through the
// converter, returning typed nodes. Session documents and documents
// that fail typed parsing are skipped.
func (e *Engine) QueryNodes(selector string) ([]*model.Node, error) {
	matches, err := e.Query(selector)
	if err != nil {
		return nil, err
	}
	var nodes []*model.Node
	for _, m := range matches {
		data, err := os.ReadFile(m.Path)
		if err != nil {
			continue
		}
		doc, err := document.Parse(data)
		if err != nil || doc.Node == nil {
			continue
		}
		nodes = append(nodes, doc.Node)
	}
	return nodes, nil
}

// documents lists the directory's document paths in lexical order.
func (e *Engine) documents() ([]string, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return nil, fmt.Errorf("query: read directory: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), document.Extension) {
			continue
		}
		paths = append(paths, filepath.Join(e.dir, entry.Name()))
	}
	return paths, nil
}

// parsed returns the html tree for a document, re-parsing only when the
// file's size or mtime changed since the cached parse.
func (e *Engine) parsed(path string) (*xhtml.Node, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s|%d|%d", path, info.Size(), info.ModTime().UnixNano())
	if cached, ok := e.cache.Get(key); ok {
		return cached.(*xhtml.Node), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	root, err := xhtml.Parse(strings.NewReader(string(data)))
	if err != nil {
		return nil, err
	}
	e.cache.SetDefault(key, root)
	return root, nil
}

func articleID(article *xhtml.Node) string {
	for _, a := range article.Attr {
		if a.Key == "id" {
			return a.Val
		}
	}
	return ""
}
