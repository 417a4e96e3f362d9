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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/AleutianAI/lspbridge/services/lspbridge/lsp"
)

// =============================================================================
// WORKSPACE EDITS
// =============================================================================

// FileEdit is the outcome of applying a workspace edit to one file.
type FileEdit struct {
	RelPath      string `json:"relative_path"`
	AbsolutePath string `json:"absolute_path"`
	Before       string `json:"-"`
	After        string `json:"-"`

	// Edits are the file's text edits in document order.
	Edits []lsp.TextEdit `json:"edits"`
}

// ApplyWorkspaceEdit applies the text edits of a workspace edit under root.
//
// Description:
//
//	Collects edits from both changes and documentChanges, applies each
//	file's edits against its original offsets, and writes the results
//	unless dryRun is set. Every file is computed before any is
//	written, so a conflict or an unreadable file leaves the tree
//	untouched.
//
// Inputs:
//
//	root - Repository root; edits outside it are rejected
//	edit - The edit, typically from Index.Rename
//	dryRun - Compute the new contents without writing them
//
// Outputs:
//
//	[]FileEdit - One entry per file, sorted by path
//	error - ErrOutsideRoot, ErrEditConflict or a file error
func ApplyWorkspaceEdit(root string, edit *lsp.WorkspaceEdit, dryRun bool) ([]FileEdit, error) {
	if edit == nil {
		return nil, nil
	}

	byPath := make(map[string][]lsp.TextEdit)
	for uri, edits := range edit.Changes {
		p := lsp.URIToPath(uri)
		byPath[p] = append(byPath[p], edits...)
	}
	for _, dc := range edit.DocumentChanges {
		p := lsp.URIToPath(dc.TextDocument.URI)
		byPath[p] = append(byPath[p], dc.Edits...)
	}

	results := make([]FileEdit, 0, len(byPath))
	modes := make(map[string]os.FileMode, len(byPath))
	for abs, edits := range byPath {
		rel, err := filepath.Rel(root, abs)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrOutsideRoot, abs)
		}
		rel = filepath.ToSlash(rel)
		if rel == ".." || strings.HasPrefix(rel, "../") {
			return nil, fmt.Errorf("%w: %s", ErrOutsideRoot, abs)
		}

		info, err := os.Stat(abs)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, err
		}
		before := string(data)
		sorted := sortEdits(before, edits)
		after, err := applyTextEdits(before, sorted)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", rel, err)
		}
		modes[abs] = info.Mode().Perm()
		results = append(results, FileEdit{
			RelPath:      rel,
			AbsolutePath: abs,
			Before:       before,
			After:        after,
			Edits:        sorted,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].RelPath < results[j].RelPath })

	if !dryRun {
		for _, fe := range results {
			if err := os.WriteFile(fe.AbsolutePath, []byte(fe.After), modes[fe.AbsolutePath]); err != nil {
				return nil, err
			}
		}
	}
	return results, nil
}

// sortEdits orders edits by start offset, keeping the array order of edits
// that start at the same position.
func sortEdits(text string, edits []lsp.TextEdit) []lsp.TextEdit {
	idx := newOffsetIndex(text)
	out := append([]lsp.TextEdit(nil), edits...)
	sort.SliceStable(out, func(i, j int) bool {
		return idx.offset(out[i].Range.Start) < idx.offset(out[j].Range.Start)
	})
	return out
}

// applyTextEdits applies edits sorted by sortEdits.
func applyTextEdits(text string, edits []lsp.TextEdit) (string, error) {
	idx := newOffsetIndex(text)
	type span struct {
		start, end int
		newText    string
	}
	spans := make([]span, len(edits))
	for i, e := range edits {
		start, end := idx.offset(e.Range.Start), idx.offset(e.Range.End)
		if end < start {
			return "", fmt.Errorf("%w: edit %d ends before it starts", ErrEditConflict, i)
		}
		if i > 0 && start < spans[i-1].end {
			return "", fmt.Errorf("%w: edits %d and %d", ErrEditConflict, i-1, i)
		}
		spans[i] = span{start: start, end: end, newText: e.NewText}
	}

	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, s := range spans {
		b.WriteString(text[prev:s.start])
		b.WriteString(s.newText)
		prev = s.end
	}
	b.WriteString(text[prev:])
	return b.String(), nil
}

// offsetIndex maps LSP positions (UTF-16 characters) to byte offsets.
type offsetIndex struct {
	text       string
	lineStarts []int
}

func newOffsetIndex(text string) *offsetIndex {
	starts := []int{0}
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return &offsetIndex{text: text, lineStarts: starts}
}

// offset clamps positions past the end of a line or the document.
func (x *offsetIndex) offset(p lsp.Position) int {
	if p.Line < 0 {
		return 0
	}
	if p.Line >= len(x.lineStarts) {
		return len(x.text)
	}
	start := x.lineStarts[p.Line]
	end := len(x.text)
	if p.Line+1 < len(x.lineStarts) {
		end = x.lineStarts[p.Line+1] - 1
	}
	off := start
	units := 0
	for off < end && units < p.Character {
		r, size := utf8.DecodeRuneInString(x.text[off:end])
		units += len(utf16.Encode([]rune{r}))
		off += size
	}
	return off
}

// =============================================================================
// RENAME PREVIEW
// =============================================================================

const diffContext = 3

// RenamePreview renders a workspace edit as a unified diff without touching
// any file.
func RenamePreview(root string, edit *lsp.WorkspaceEdit) (string, error) {
	files, err := ApplyWorkspaceEdit(root, edit, true)
	if err != nil {
		return "", err
	}
	fds := make([]*diff.FileDiff, 0, len(files))
	for _, fe := range files {
		hunks := diffHunks(fe.Before, fe.After, fe.Edits)
		if len(hunks) == 0 {
			continue
		}
		fds = append(fds, &diff.FileDiff{
			OrigName: "a/" + fe.RelPath,
			NewName:  "b/" + fe.RelPath,
			Hunks:    hunks,
		})
	}
	if len(fds) == 0 {
		return "", nil
	}
	out, err := diff.PrintMultiFileDiff(fds)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// lineRegion is a run of original lines replaced by newCount lines.
type lineRegion struct {
	origStart, origEnd int
	delta              int
}

func (r lineRegion) newCount() int { return r.origEnd - r.origStart + r.delta }

// editRegions maps sorted text edits to merged line regions.
func editRegions(edits []lsp.TextEdit, origLines int) []lineRegion {
	var regions []lineRegion
	for _, e := range edits {
		s, end := e.Range.Start.Line, e.Range.End.Line
		delta := strings.Count(e.NewText, "\n") - (end - s)
		r := lineRegion{origStart: min(s, origLines), origEnd: min(end+1, origLines), delta: delta}
		if n := len(regions); n > 0 && r.origStart < regions[n-1].origEnd {
			last := &regions[n-1]
			last.origEnd = max(last.origEnd, r.origEnd)
			last.delta += delta
			continue
		}
		regions = append(regions, r)
	}
	return regions
}

// diffHunks builds unified diff hunks from the edited regions.
func diffHunks(before, after string, edits []lsp.TextEdit) []*diff.Hunk {
	if before == after {
		return nil
	}
	orig := splitLines(before)
	updated := splitLines(after)
	regions := editRegions(edits, len(orig))

	var hunks []*diff.Hunk
	shift := 0
	for i := 0; i < len(regions); {
		j := i
		for j+1 < len(regions) && regions[j+1].origStart-regions[j].origEnd <= 2*diffContext {
			j++
		}

		hStart := max(0, regions[i].origStart-diffContext)
		hEnd := min(len(orig), regions[j].origEnd+diffContext)
		newStart := hStart + shift

		var body strings.Builder
		cursor := hStart
		newLines := 0
		for k := i; k <= j; k++ {
			r := regions[k]
			for ; cursor < r.origStart; cursor++ {
				writeLine(&body, ' ', orig[cursor])
				newLines++
			}
			for l := r.origStart; l < r.origEnd; l++ {
				writeLine(&body, '-', orig[l])
			}
			from := r.origStart + shift
			for l := from; l < from+r.newCount() && l < len(updated); l++ {
				writeLine(&body, '+', updated[l])
				newLines++
			}
			shift += r.delta
			cursor = r.origEnd
		}
		for ; cursor < hEnd; cursor++ {
			writeLine(&body, ' ', orig[cursor])
			newLines++
		}

		origCount := hEnd - hStart
		h := &diff.Hunk{
			OrigStartLine: int32(hStart + 1),
			OrigLines:     int32(origCount),
			NewStartLine:  int32(newStart + 1),
			NewLines:      int32(newLines),
			Body:          []byte(body.String()),
		}
		if origCount == 0 {
			h.OrigStartLine = int32(hStart)
		}
		if newLines == 0 {
			h.NewStartLine = int32(newStart)
		}
		hunks = append(hunks, h)
		i = j + 1
	}
	return hunks
}

func writeLine(b *strings.Builder, prefix byte, line string) {
	b.WriteByte(prefix)
	b.WriteString(line)
	if !strings.HasSuffix(line, "\n") {
		b.WriteString("\n\\ No newline at end of file\n")
	}
}

// splitLines splits after each newline; the last line may lack one.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
