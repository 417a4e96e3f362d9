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
	"sort"
	"time"

	"github.com/AleutianAI/lspbridge/services/lspbridge/lsp"
)

// =============================================================================
// CROSS-FILE QUERIES
// =============================================================================

// References returns every reference to the symbol at pos.
//
// Description:
//
//	Waits for the session to settle, then sends textDocument/references
//	with relPath open. Results under ignored paths are dropped; results
//	outside the root are kept. Output is sorted by path and position.
//
// Inputs:
//
//	ctx - Context for cancellation
//	relPath - File containing the symbol
//	pos - Zero-based position of the symbol
//	includeDeclaration - Whether the declaration itself is included
//
// Outputs:
//
//	[]Location - References, possibly empty
//	error - Non-nil on path, session or protocol failure
func (ix *Index) References(ctx context.Context, relPath string, pos lsp.Position, includeDeclaration bool) (locs []Location, err error) {
	ctx, span := startOperationSpan(ctx, "References", ix.Language(), relPath)
	defer span.End()
	start := time.Now()
	defer func() { finishOperation(ctx, span, "references", ix.Language(), start, len(locs), err) }()

	raw, err := ix.positionRequest(ctx, relPath, true, func(uri string) (string, any) {
		return "textDocument/references", lsp.ReferenceParams{
			TextDocumentPositionParams: positionParams(uri, pos),
			Context:                    lsp.ReferenceContext{IncludeDeclaration: includeDeclaration},
		}
	})
	if err != nil {
		return nil, err
	}
	parsed, err := lsp.ParseLocations(raw)
	if err != nil {
		return nil, fmt.Errorf("references: %w", err)
	}
	return ix.convertLocations(parsed), nil
}

// Definition returns the definition of the symbol at pos.
//
// Description:
//
//	Accepts Location, Location[] and LocationLink[] results. When the
//	adapter has a definition preference (TypeScript prefers source over
//	node_modules declarations) it is applied before conversion.
func (ix *Index) Definition(ctx context.Context, relPath string, pos lsp.Position) (locs []Location, err error) {
	ctx, span := startOperationSpan(ctx, "Definition", ix.Language(), relPath)
	defer span.End()
	start := time.Now()
	defer func() { finishOperation(ctx, span, "definition", ix.Language(), start, len(locs), err) }()

	raw, err := ix.positionRequest(ctx, relPath, true, func(uri string) (string, any) {
		return "textDocument/definition", positionParams(uri, pos)
	})
	if err != nil {
		return nil, err
	}
	parsed, err := lsp.ParseLocations(raw)
	if err != nil {
		return nil, fmt.Errorf("definition: %w", err)
	}
	if ix.adapter.PreferDefinition != nil && len(parsed) > 1 {
		parsed = ix.adapter.PreferDefinition(parsed)
	}
	return ix.convertLocations(parsed), nil
}

// Rename asks the server for the edit that renames the symbol at pos.
//
// The edit is returned, not applied. Use ApplyWorkspaceEdit or
// RenamePreview. A server answering null yields an empty edit.
func (ix *Index) Rename(ctx context.Context, relPath string, pos lsp.Position, newName string) (edit *lsp.WorkspaceEdit, err error) {
	ctx, span := startOperationSpan(ctx, "Rename", ix.Language(), relPath)
	defer span.End()
	start := time.Now()
	defer func() { finishOperation(ctx, span, "rename", ix.Language(), start, editCount(edit), err) }()

	if newName == "" {
		return nil, fmt.Errorf("rename: new name is empty")
	}
	raw, err := ix.positionRequest(ctx, relPath, true, func(uri string) (string, any) {
		return "textDocument/rename", lsp.RenameParams{
			TextDocumentPositionParams: positionParams(uri, pos),
			NewName:                    newName,
		}
	})
	if err != nil {
		return nil, err
	}
	edit = &lsp.WorkspaceEdit{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, edit); err != nil {
			return nil, fmt.Errorf("%w: rename: %v", lsp.ErrInvalidResponse, err)
		}
	}
	return edit, nil
}

// Hover returns the hover text at pos, or nil when the server has none.
func (ix *Index) Hover(ctx context.Context, relPath string, pos lsp.Position) (info *HoverInfo, err error) {
	ctx, span := startOperationSpan(ctx, "Hover", ix.Language(), relPath)
	defer span.End()
	start := time.Now()
	defer func() {
		n := 0
		if info != nil {
			n = 1
		}
		finishOperation(ctx, span, "hover", ix.Language(), start, n, err)
	}()

	raw, err := ix.positionRequest(ctx, relPath, false, func(uri string) (string, any) {
		return "textDocument/hover", positionParams(uri, pos)
	})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var res lsp.HoverResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("%w: hover: %v", lsp.ErrInvalidResponse, err)
	}
	text := res.Text()
	if text == "" {
		return nil, nil
	}
	return &HoverInfo{Text: text, Range: res.Range}, nil
}

// workspaceSymbolWire covers SymbolInformation and WorkspaceSymbol, whose
// location may omit the range.
type workspaceSymbolWire struct {
	Name          string         `json:"name"`
	Kind          lsp.SymbolKind `json:"kind"`
	ContainerName string         `json:"containerName"`
	Location      struct {
		URI   string     `json:"uri"`
		Range *lsp.Range `json:"range"`
	} `json:"location"`
}

// WorkspaceSymbol searches symbols across the workspace by query.
func (ix *Index) WorkspaceSymbol(ctx context.Context, query string) (matches []SymbolMatch, err error) {
	ctx, span := startOperationSpan(ctx, "WorkspaceSymbol", ix.Language(), "")
	defer span.End()
	start := time.Now()
	defer func() { finishOperation(ctx, span, "workspace_symbol", ix.Language(), start, len(matches), err) }()

	if err := ix.session.WaitSettled(ctx); err != nil {
		return nil, err
	}
	raw, err := ix.session.Call(ctx, "workspace/symbol", lsp.WorkspaceSymbolParams{Query: query}, 0)
	if err != nil {
		return nil, fmt.Errorf("workspace/symbol: %w", err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var wire []workspaceSymbolWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: workspace/symbol: %v", lsp.ErrInvalidResponse, err)
	}
	for _, w := range wire {
		loc := lsp.Location{URI: w.Location.URI}
		if w.Location.Range != nil {
			loc.Range = *w.Location.Range
		}
		m := SymbolMatch{
			Name:          w.Name,
			Kind:          w.Kind,
			ContainerName: w.ContainerName,
			Location:      ix.toLocation(loc),
		}
		if ix.visible(m.Location) {
			matches = append(matches, m)
		}
	}
	return matches, nil
}

// positionRequest validates relPath, optionally waits for the session to
// settle, and sends the request built by mk with the document open.
func (ix *Index) positionRequest(ctx context.Context, relPath string, settle bool, mk func(uri string) (string, any)) (json.RawMessage, error) {
	rel, err := ix.checkPath(relPath)
	if err != nil {
		return nil, err
	}
	if !ix.adapter.HandlesFile(rel) {
		return nil, fmt.Errorf("%w: %s", ErrUnhandledFile, rel)
	}
	if settle {
		if err := ix.session.WaitSettled(ctx); err != nil {
			return nil, err
		}
	}

	var raw json.RawMessage
	err = ix.withDocument(ctx, rel, nil, func(uri string) error {
		method, params := mk(uri)
		var callErr error
		raw, callErr = ix.session.Call(ctx, method, params, 0)
		if callErr != nil {
			return fmt.Errorf("%s %s: %w", method, rel, callErr)
		}
		return nil
	})
	return raw, err
}

func positionParams(uri string, pos lsp.Position) lsp.TextDocumentPositionParams {
	return lsp.TextDocumentPositionParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: uri},
		Position:     pos,
	}
}

func (ix *Index) convertLocations(parsed []lsp.Location) []Location {
	out := make([]Location, 0, len(parsed))
	for _, l := range parsed {
		loc := ix.toLocation(l)
		if ix.visible(loc) {
			out = append(out, loc)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AbsolutePath != out[j].AbsolutePath {
			return out[i].AbsolutePath < out[j].AbsolutePath
		}
		return out[i].Range.Start.Before(out[j].Range.Start)
	})
	return out
}

func editCount(edit *lsp.WorkspaceEdit) int {
	if edit == nil {
		return 0
	}
	n := 0
	for _, edits := range edit.Changes {
		n += len(edits)
	}
	for _, dc := range edit.DocumentChanges {
		n += len(dc.Edits)
	}
	return n
}
