// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package symbols

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/AleutianAI/lspbridge/services/lspbridge/cache"
	"github.com/AleutianAI/lspbridge/services/lspbridge/ignore"
	"github.com/AleutianAI/lspbridge/services/lspbridge/lsp"
)

// DefaultConcurrency bounds parallel documentSymbol requests in FullSymbolTree.
const DefaultConcurrency = 4

// Session is the part of *lsp.Session the index uses.
type Session interface {
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	Notify(method string, params any) error
	WaitSettled(ctx context.Context) error
	RootPath() string
	Adapter() *lsp.AdapterConfig
	Logger() *slog.Logger
}

// IndexOptions configures an Index.
type IndexOptions struct {
	// Cache holds document symbols. Nil disables caching.
	Cache *cache.SymbolCache[[]Node]

	// Ignore decides which paths are skipped. Nil uses the fixed hidden
	// directory rules plus the adapter's deny-list.
	Ignore *ignore.Matcher

	// Concurrency bounds FullSymbolTree fan-out. Zero uses DefaultConcurrency.
	Concurrency int
}

// Index answers symbol queries for one repository root and language.
//
// Thread Safety: Safe for concurrent use.
type Index struct {
	session     Session
	adapter     *lsp.AdapterConfig
	root        string
	cache       *cache.SymbolCache[[]Node]
	matcher     *ignore.Matcher
	concurrency int
	logger      *slog.Logger

	docsMu sync.Mutex
	docs   map[string]*openDocument
}

// openDocument tracks a didOpen shared by concurrent queries.
type openDocument struct {
	uri    string
	text   string
	refs   int
	ready  chan struct{}
	closed chan struct{}
	err    error
}

// NewIndex creates an index over a started session.
//
// Description:
//
//	The repository root, adapter and logger come from the session. The
//	index does not own the session; stopping it is the caller's job.
//
// Inputs:
//
//	session - A started session (typically *lsp.Session)
//	opts - Cache, ignore rules and concurrency
//
// Outputs:
//
//	*Index - The index
//	error - Non-nil if the default ignore matcher cannot be built
func NewIndex(session Session, opts IndexOptions) (*Index, error) {
	adapter := session.Adapter()
	matcher := opts.Ignore
	if matcher == nil {
		m, err := ignore.New(ignore.Options{Adapter: adapter})
		if err != nil {
			return nil, err
		}
		matcher = m
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	logger := session.Logger()
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		session:     session,
		adapter:     adapter,
		root:        session.RootPath(),
		cache:       opts.Cache,
		matcher:     matcher,
		concurrency: concurrency,
		logger:      logger.With(slog.String("component", "symbol_index")),
		docs:        make(map[string]*openDocument),
	}, nil
}

// Root returns the repository root.
func (ix *Index) Root() string { return ix.root }

// Language returns the adapter language.
func (ix *Index) Language() string { return ix.adapter.Language }

// =============================================================================
// PATHS
// =============================================================================

// cleanRelPath validates a repository-relative path and returns it with
// forward slashes.
func (ix *Index) cleanRelPath(relPath string) (string, error) {
	p := filepath.ToSlash(relPath)
	if filepath.IsAbs(relPath) {
		rel, err := filepath.Rel(ix.root, relPath)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrOutsideRoot, relPath)
		}
		p = filepath.ToSlash(rel)
	}
	p = strings.TrimPrefix(cleanSlash(p), "./")
	if p == "" || p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, relPath)
	}
	return p, nil
}

func cleanSlash(p string) string {
	return filepath.ToSlash(filepath.Clean(filepath.FromSlash(p)))
}

// checkPath validates relPath and applies the ignore rules.
func (ix *Index) checkPath(relPath string) (string, error) {
	rel, err := ix.cleanRelPath(relPath)
	if err != nil {
		return "", err
	}
	if ix.matcher.IsIgnoredPath(rel) {
		return "", fmt.Errorf("%w: %s", ErrIgnoredPath, rel)
	}
	return rel, nil
}

func (ix *Index) absPath(relPath string) string {
	return filepath.Join(ix.root, filepath.FromSlash(relPath))
}

// toLocation converts a server location to both path forms.
func (ix *Index) toLocation(loc lsp.Location) Location {
	abs := lsp.URIToPath(loc.URI)
	out := Location{URI: loc.URI, AbsolutePath: abs, Range: loc.Range}
	if rel, err := filepath.Rel(ix.root, abs); err == nil {
		rel = filepath.ToSlash(rel)
		if rel != ".." && !strings.HasPrefix(rel, "../") {
			out.RelativePath = rel
		}
	}
	return out
}

// visible reports whether a result location should be returned: anything
// outside the root is kept, paths inside it must pass the ignore rules.
func (ix *Index) visible(loc Location) bool {
	return loc.RelativePath == "" || !ix.matcher.IsIgnoredPath(loc.RelativePath)
}

// =============================================================================
// DOCUMENTS
// =============================================================================

// withDocument runs fn while relPath is open on the server.
//
// Description:
//
//	Concurrent callers for the same path share one didOpen/didClose pair.
//	The first caller reads the file (or uses text) and sends didOpen; the
//	last caller to finish sends didClose. A caller whose text differs from
//	the open document's waits for it to close and reopens with its own
//	text, so symbols are never computed from content other than the
//	caller's. A nil text accepts whatever content is open.
func (ix *Index) withDocument(ctx context.Context, relPath string, text *string, fn func(uri string) error) error {
	for {
		ix.docsMu.Lock()
		doc, ok := ix.docs[relPath]
		if !ok {
			doc = &openDocument{
				uri:    lsp.PathToURI(ix.absPath(relPath)),
				refs:   1,
				ready:  make(chan struct{}),
				closed: make(chan struct{}),
			}
			ix.docs[relPath] = doc
			ix.docsMu.Unlock()
			doc.text, doc.err = ix.openDocument(relPath, doc.uri, text)
			close(doc.ready)
			return ix.useDocument(relPath, doc, fn)
		}
		doc.refs++
		ix.docsMu.Unlock()
		<-doc.ready

		if doc.err != nil || text == nil || doc.text == *text {
			return ix.useDocument(relPath, doc, fn)
		}

		ix.releaseDocument(relPath, doc)
		select {
		case <-doc.closed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (ix *Index) useDocument(relPath string, doc *openDocument, fn func(uri string) error) error {
	defer ix.releaseDocument(relPath, doc)
	if doc.err != nil {
		return doc.err
	}
	return fn(doc.uri)
}

func (ix *Index) openDocument(relPath, uri string, text *string) (string, error) {
	content := ""
	if text != nil {
		content = *text
	} else {
		data, err := os.ReadFile(ix.absPath(relPath))
		if err != nil {
			return "", err
		}
		content = string(data)
	}
	return content, ix.session.Notify("textDocument/didOpen", lsp.DidOpenTextDocumentParams{
		TextDocument: lsp.TextDocumentItem{
			URI:        uri,
			LanguageID: ix.adapter.LanguageIDFor(relPath),
			Version:    1,
			Text:       content,
		},
	})
}

// releaseDocument drops one reference. didClose is sent under docsMu so a
// later didOpen for the same path cannot overtake it.
func (ix *Index) releaseDocument(relPath string, doc *openDocument) {
	ix.docsMu.Lock()
	defer ix.docsMu.Unlock()
	doc.refs--
	if doc.refs > 0 {
		return
	}
	delete(ix.docs, relPath)
	close(doc.closed)
	if doc.err != nil {
		return
	}
	if err := ix.session.Notify("textDocument/didClose", lsp.DidCloseTextDocumentParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: doc.uri},
	}); err != nil {
		ix.logger.Debug("didClose failed", slog.String("path", relPath), slog.String("error", err.Error()))
	}
}

// OpenDocuments returns the number of documents currently open on the server.
func (ix *Index) OpenDocuments() int {
	ix.docsMu.Lock()
	defer ix.docsMu.Unlock()
	return len(ix.docs)
}

// ContentHash returns the cache content hash of data.
func ContentHash(data []byte) string {
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

// =============================================================================
// DOCUMENT SYMBOLS
// =============================================================================

// DocumentSymbols returns the symbol tree of one file.
//
// Description:
//
//	Serves the cached tree when the file content and the adapter's context
//	fingerprint are unchanged. Otherwise the document is opened, its
//	symbols requested and normalized, and the result cached.
//
// Inputs:
//
//	ctx - Context for cancellation
//	relPath - Repository-relative file path
//
// Outputs:
//
//	[]Node - Top-level symbols in document order
//	error - ErrIgnoredPath, ErrOutsideRoot, a file read error or an lsp error
func (ix *Index) DocumentSymbols(ctx context.Context, relPath string) (nodes []Node, err error) {
	ctx, span := startOperationSpan(ctx, "DocumentSymbols", ix.Language(), relPath)
	defer span.End()
	start := time.Now()
	defer func() { finishOperation(ctx, span, "document_symbols", ix.Language(), start, len(nodes), err) }()

	rel, err := ix.checkPath(relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(ix.absPath(rel))
	if err != nil {
		return nil, err
	}
	text := string(data)

	build := func(ctx context.Context) ([]Node, error) {
		return ix.requestDocumentSymbols(ctx, rel, text)
	}
	if ix.cache == nil {
		return build(ctx)
	}

	key := cache.Key{RelPath: rel, ContentHash: ContentHash(data), Fingerprint: ix.adapter.Fingerprint(ix.root)}
	nodes, _, err = ix.cache.GetOrBuild(ctx, key, build)
	return nodes, err
}

func (ix *Index) requestDocumentSymbols(ctx context.Context, rel, text string) ([]Node, error) {
	var nodes []Node
	err := ix.withDocument(ctx, rel, &text, func(uri string) error {
		raw, err := ix.session.Call(ctx, "textDocument/documentSymbol", lsp.DocumentSymbolParams{
			TextDocument: lsp.TextDocumentIdentifier{URI: uri},
		}, 0)
		if err != nil {
			return fmt.Errorf("documentSymbol %s: %w", rel, err)
		}
		nodes, err = NormalizeDocumentSymbols(raw, text)
		if err != nil {
			return err
		}
		stampRelPath(nodes, rel)
		return nil
	})
	return nodes, err
}

func stampRelPath(nodes []Node, rel string) {
	for i := range nodes {
		nodes[i].RelPath = rel
		stampRelPath(nodes[i].Children, rel)
	}
}

// Invalidate drops cached symbols for relPath.
func (ix *Index) Invalidate(ctx context.Context, relPath string) {
	if ix.cache == nil {
		return
	}
	if rel, err := ix.cleanRelPath(relPath); err == nil {
		ix.cache.Invalidate(ctx, rel)
	}
}

// InvalidateAll drops every cached symbol tree.
func (ix *Index) InvalidateAll(ctx context.Context) {
	if ix.cache != nil {
		ix.cache.InvalidateAll(ctx)
	}
}
