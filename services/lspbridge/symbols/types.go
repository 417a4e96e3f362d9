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
	"errors"

	"github.com/AleutianAI/lspbridge/services/lspbridge/lsp"
)

var (
	// ErrIgnoredPath indicates a query for a path excluded by the ignore rules.
	ErrIgnoredPath = errors.New("path is ignored")

	// ErrOutsideRoot indicates a path that escapes the repository root.
	ErrOutsideRoot = errors.New("path is outside the repository root")

	// ErrUnhandledFile indicates a file the adapter's language does not cover.
	ErrUnhandledFile = errors.New("file not handled by language server")

	// ErrEditConflict indicates overlapping text edits for one document.
	ErrEditConflict = errors.New("overlapping text edits")
)

// Node is a symbol, or a Package/File grouping node in FullSymbolTree.
type Node struct {
	Name string `json:"name"`

	// Kind is the LSP symbol kind; grouping nodes use SymbolKindPackage
	// for directories and SymbolKindFile for files.
	Kind lsp.SymbolKind `json:"kind"`

	Detail string `json:"detail,omitempty"`

	// RelPath is the repository-relative path of the file or directory the
	// node belongs to. Directory nodes use "." for the root.
	RelPath string `json:"relative_path,omitempty"`

	Range          lsp.Range `json:"range"`
	SelectionRange lsp.Range `json:"selection_range"`
	Children       []Node    `json:"children,omitempty"`
}

// Walk visits n and its descendants depth-first in document order. Returning
// false from fn skips the node's children.
func (n *Node) Walk(fn func(*Node) bool) {
	if !fn(n) {
		return
	}
	for i := range n.Children {
		n.Children[i].Walk(fn)
	}
}

// Location is a range in a file, expressed both ways.
type Location struct {
	URI          string `json:"uri"`
	AbsolutePath string `json:"absolute_path"`

	// RelativePath is empty when the file lies outside the repository root,
	// such as a standard library or dependency source file.
	RelativePath string `json:"relative_path,omitempty"`

	Range lsp.Range `json:"range"`
}

// HoverInfo is the flattened result of textDocument/hover.
type HoverInfo struct {
	Text  string     `json:"text"`
	Range *lsp.Range `json:"range,omitempty"`
}

// SymbolMatch is one workspace/symbol result.
type SymbolMatch struct {
	Name          string         `json:"name"`
	Kind          lsp.SymbolKind `json:"kind"`
	ContainerName string         `json:"container_name,omitempty"`
	Location      Location       `json:"location"`
}
