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
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/lspbridge/services/lspbridge/lsp"
	"github.com/AleutianAI/lspbridge/services/lspbridge/telemetry"
)

// FullSymbolTree returns the symbols of every source file under within.
//
// Description:
//
//	Walks the root (within == "") or the given sub-directory, skipping
//	ignored directories and paths and files whose extension the adapter
//	does not handle. Document symbols are fetched with bounded
//	concurrency. The result is a Package node for within, holding Package
//	nodes for sub-directories and File nodes whose children are the
//	document symbols. Directories without source files are omitted.
//
//	A file the server answers with a protocol error is logged and left
//	empty; any other error aborts the walk.
//
// Inputs:
//
//	ctx - Context for cancellation
//	within - Repository-relative directory, or "" for the whole root
//
// Outputs:
//
//	*Node - The Package node for within
//	error - Non-nil on walk, session or transport failure
func (ix *Index) FullSymbolTree(ctx context.Context, within string) (tree *Node, err error) {
	ctx, span := startOperationSpan(ctx, "FullSymbolTree", ix.Language(), within)
	defer span.End()
	start := time.Now()
	var fileCount int
	defer func() { finishOperation(ctx, span, "full_symbol_tree", ix.Language(), start, fileCount, err) }()

	base := ""
	if within != "" && within != "." {
		rel, err := ix.cleanRelPath(within)
		if err != nil {
			return nil, err
		}
		if ix.matcher.IsIgnored(rel, true) {
			return nil, fmt.Errorf("%w: %s", ErrIgnoredPath, rel)
		}
		base = rel
	}

	files, err := ix.sourceFiles(ctx, base)
	if err != nil {
		return nil, err
	}
	fileCount = len(files)

	results := make([][]Node, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.concurrency)
	for i, rel := range files {
		g.Go(func() error {
			nodes, err := ix.DocumentSymbols(gctx, rel)
			if err != nil {
				if errors.Is(err, lsp.ErrProtocol) {
					telemetry.LoggerWithTrace(gctx, ix.logger).Warn("document symbols failed",
						slog.String("path", rel),
						slog.String("error", err.Error()),
					)
					return nil
				}
				return err
			}
			results[i] = nodes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return buildTree(base, ix.root, files, results), nil
}

// sourceFiles lists the handled, non-ignored files under base in path order.
func (ix *Index) sourceFiles(ctx context.Context, base string) ([]string, error) {
	walkRoot := ix.absPath(base)
	var files []string
	err := filepath.WalkDir(walkRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == walkRoot {
				return err
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		relOS, relErr := filepath.Rel(ix.root, p)
		if relErr != nil {
			return nil
		}
		rel := filepath.ToSlash(relOS)

		if d.IsDir() {
			if p == walkRoot {
				return nil
			}
			if ix.matcher.IsIgnored(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !ix.adapter.HandlesFile(rel) || ix.matcher.IsIgnoredPath(rel) {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", walkRoot, err)
	}
	sort.Strings(files)
	return files, nil
}

type treeBuilder struct {
	node     Node
	packages map[string]*treeBuilder
	files    []Node
}

func newPackage(name, rel string) *treeBuilder {
	return &treeBuilder{
		node:     Node{Name: name, Kind: lsp.SymbolKindPackage, RelPath: rel},
		packages: make(map[string]*treeBuilder),
	}
}

func buildTree(base, root string, files []string, symbols [][]Node) *Node {
	name := path.Base(base)
	rel := base
	if base == "" {
		name = filepath.Base(root)
		rel = "."
	}
	top := newPackage(name, rel)

	for i, file := range files {
		inner := file
		if base != "" {
			inner = strings.TrimPrefix(file, base+"/")
		}
		dir := top
		parts := strings.Split(inner, "/")
		for _, part := range parts[:len(parts)-1] {
			child, ok := dir.packages[part]
			if !ok {
				parent := dir.node.RelPath
				if parent == "." {
					parent = ""
				}
				child = newPackage(part, path.Join(parent, part))
				dir.packages[part] = child
			}
			dir = child
		}
		dir.files = append(dir.files, Node{
			Name:     parts[len(parts)-1],
			Kind:     lsp.SymbolKindFile,
			RelPath:  file,
			Children: symbols[i],
		})
	}

	out := top.finish()
	return &out
}

// finish orders sub-packages before files, each by name.
func (b *treeBuilder) finish() Node {
	n := b.node
	names := make([]string, 0, len(b.packages))
	for name := range b.packages {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		n.Children = append(n.Children, b.packages[name].finish())
	}
	sort.SliceStable(b.files, func(i, j int) bool { return b.files[i].Name < b.files[j].Name })
	n.Children = append(n.Children, b.files...)
	return n
}
