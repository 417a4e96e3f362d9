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
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf16"

	"github.com/AleutianAI/lspbridge/services/lspbridge/lsp"
)

// wireSymbol decodes either DocumentSymbol or SymbolInformation.
type wireSymbol struct {
	Name           string         `json:"name"`
	Detail         string         `json:"detail"`
	Kind           lsp.SymbolKind `json:"kind"`
	Range          *lsp.Range     `json:"range"`
	SelectionRange *lsp.Range     `json:"selectionRange"`
	Children       []wireSymbol   `json:"children"`
	Location       *lsp.Location  `json:"location"`
	ContainerName  string         `json:"containerName"`
}

// NormalizeDocumentSymbols converts a textDocument/documentSymbol result into
// a tree in document order.
//
// Description:
//
//	Hierarchical results keep their shape. Flat SymbolInformation results
//	are nested by range containment; two symbols with the same range nest
//	only when the inner one names the outer as its container. Flat
//	symbols carry no selection range, so it is located by searching for
//	the symbol name inside its range in text, falling back to the range.
//
// Inputs:
//
//	raw - The result payload (null, DocumentSymbol[] or SymbolInformation[])
//	text - The document content the result was computed for
//
// Outputs:
//
//	[]Node - Top-level symbols
//	error - Non-nil if raw is not a symbol array
func NormalizeDocumentSymbols(raw json.RawMessage, text string) ([]Node, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var wire []wireSymbol
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: documentSymbol: %v", lsp.ErrInvalidResponse, err)
	}
	if len(wire) == 0 {
		return nil, nil
	}

	flat := false
	for _, w := range wire {
		if w.Range == nil && w.Location != nil {
			flat = true
			break
		}
	}
	if flat {
		return nestFlat(wire, newLineIndex(text)), nil
	}
	return convertTree(wire), nil
}

func convertTree(wire []wireSymbol) []Node {
	nodes := make([]Node, 0, len(wire))
	for _, w := range wire {
		n := Node{Name: w.Name, Kind: w.Kind, Detail: w.Detail}
		switch {
		case w.Range != nil:
			n.Range = *w.Range
		case w.Location != nil:
			n.Range = w.Location.Range
		}
		n.SelectionRange = n.Range
		if w.SelectionRange != nil {
			n.SelectionRange = *w.SelectionRange
		}
		if len(w.Children) > 0 {
			n.Children = convertTree(w.Children)
		}
		nodes = append(nodes, n)
	}
	sortByPosition(nodes)
	return nodes
}

type pendingNode struct {
	node      Node
	container string
	children  []*pendingNode
}

func nestFlat(wire []wireSymbol, lines *lineIndex) []Node {
	pending := make([]*pendingNode, 0, len(wire))
	for _, w := range wire {
		if w.Location == nil {
			continue
		}
		r := w.Location.Range
		pending = append(pending, &pendingNode{
			node: Node{
				Name:           w.Name,
				Kind:           w.Kind,
				Detail:         w.Detail,
				Range:          r,
				SelectionRange: lines.find(w.Name, r),
			},
			container: w.ContainerName,
		})
	}

	// Outer symbols first: by start, then by end descending.
	sort.SliceStable(pending, func(i, j int) bool {
		a, b := pending[i].node.Range, pending[j].node.Range
		if a.Start != b.Start {
			return a.Start.Before(b.Start)
		}
		return b.End.Before(a.End)
	})

	var roots []*pendingNode
	var stack []*pendingNode
	for _, p := range pending {
		for len(stack) > 0 && !encloses(stack[len(stack)-1], p) {
			stack = stack[:len(stack)-1]
		}
		if len(stack) == 0 {
			roots = append(roots, p)
		} else {
			parent := stack[len(stack)-1]
			parent.children = append(parent.children, p)
		}
		stack = append(stack, p)
	}
	return materialize(roots)
}

func encloses(outer, inner *pendingNode) bool {
	if !outer.node.Range.Contains(inner.node.Range) {
		return false
	}
	if outer.node.Range == inner.node.Range {
		return inner.container != "" && inner.container == outer.node.Name
	}
	return true
}

func materialize(pending []*pendingNode) []Node {
	if len(pending) == 0 {
		return nil
	}
	nodes := make([]Node, len(pending))
	for i, p := range pending {
		nodes[i] = p.node
		nodes[i].Children = materialize(p.children)
	}
	return nodes
}

func sortByPosition(nodes []Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].Range.Start.Before(nodes[j].Range.Start)
	})
}

// lineIndex holds a document's lines in UTF-16 code units, the unit of LSP
// character offsets.
type lineIndex struct {
	lines [][]uint16
}

func newLineIndex(text string) *lineIndex {
	raw := strings.Split(text, "\n")
	li := &lineIndex{lines: make([][]uint16, len(raw))}
	for i, l := range raw {
		li.lines[i] = utf16.Encode([]rune(strings.TrimSuffix(l, "\r")))
	}
	return li
}

// find locates the first occurrence of name within r.
func (li *lineIndex) find(name string, r lsp.Range) lsp.Range {
	needle := utf16.Encode([]rune(name))
	if len(needle) == 0 {
		return r
	}
	for line := r.Start.Line; line <= r.End.Line && line < len(li.lines); line++ {
		if line < 0 {
			continue
		}
		text := li.lines[line]
		from, to := 0, len(text)
		if line == r.Start.Line {
			from = min(max(r.Start.Character, 0), len(text))
		}
		if line == r.End.Line {
			to = min(max(r.End.Character, 0), len(text))
		}
		if idx := indexUTF16(text[from:max(from, to)], needle); idx >= 0 {
			start := from + idx
			return lsp.Range{
				Start: lsp.Position{Line: line, Character: start},
				End:   lsp.Position{Line: line, Character: start + len(needle)},
			}
		}
	}
	return r
}

func indexUTF16(haystack, needle []uint16) int {
	n := len(needle)
	for i := 0; i+n <= len(haystack); i++ {
		match := true
		for j := 0; j < n; j++ {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
