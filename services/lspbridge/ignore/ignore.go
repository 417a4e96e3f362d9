// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ignore decides which repository paths the symbol index skips.
//
// Three sources are combined with OR: a fixed deny-list (hidden
// directories), the adapter's deny-list and predicates, and caller glob
// patterns in gitignore syntax (including loaded .gitignore files). A path
// is ignored if any source says so; "!" patterns only re-include paths
// excluded by earlier glob patterns, never paths denied by the other two
// sources.
package ignore

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// AdapterRules is the adapter side of ignore decisions.
// *lsp.AdapterConfig implements it.
type AdapterRules interface {
	IgnoresDirname(name string) bool
	IgnoresPath(relPath string) bool
}

// Rule is one parsed gitignore-style pattern.
type Rule struct {
	// Source is the original pattern line.
	Source string

	// Base scopes the rule to a directory (a nested .gitignore); "" is the root.
	Base string

	Negate   bool
	DirOnly  bool
	Anchored bool

	glob string
}

// ParseRule parses one pattern line. ok is false for blank lines and comments.
func ParseRule(line, base string) (Rule, bool, error) {
	line = strings.TrimRight(line, " \t\r")
	if line == "" || strings.HasPrefix(line, "#") {
		return Rule{}, false, nil
	}

	r := Rule{Source: line, Base: strings.Trim(filepath.ToSlash(base), "/")}
	switch {
	case strings.HasPrefix(line, "!"):
		r.Negate = true
		line = line[1:]
	case strings.HasPrefix(line, `\!`), strings.HasPrefix(line, `\#`):
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		r.DirOnly = true
		line = strings.TrimRight(line, "/")
	}
	if strings.HasPrefix(line, "/") {
		r.Anchored = true
		line = strings.TrimLeft(line, "/")
	} else if strings.Contains(line, "/") {
		r.Anchored = true
	}
	if line == "" {
		return Rule{}, false, nil
	}
	if !doublestar.ValidatePattern(line) {
		return Rule{}, false, fmt.Errorf("invalid ignore pattern %q", r.Source)
	}
	r.glob = line
	return r, true, nil
}

// ParseRules parses gitignore-formatted content.
func ParseRules(rd io.Reader, base string) ([]Rule, error) {
	var rules []Rule
	sc := bufio.NewScanner(rd)
	for sc.Scan() {
		r, ok, err := ParseRule(sc.Text(), base)
		if err != nil {
			return nil, err
		}
		if ok {
			rules = append(rules, r)
		}
	}
	return rules, sc.Err()
}

// match reports whether the rule matches relPath (relative to the root).
func (r Rule) match(relPath string, isDir bool) bool {
	if r.DirOnly && !isDir {
		return false
	}
	rel := relPath
	if r.Base != "" {
		if !strings.HasPrefix(relPath, r.Base+"/") {
			return false
		}
		rel = relPath[len(r.Base)+1:]
	}
	if r.Anchored {
		ok, _ := doublestar.Match(r.glob, rel)
		return ok
	}
	ok, _ := doublestar.Match(r.glob, path.Base(rel))
	return ok
}

// Options configures a Matcher.
type Options struct {
	// Patterns are caller globs in gitignore syntax, applied in order
	// (global patterns first, then project patterns).
	Patterns []string

	// Adapter contributes the adapter deny-list. May be nil.
	Adapter AdapterRules

	// Root and Gitignore load .gitignore files under Root.
	Root      string
	Gitignore bool
}

// Matcher answers ignore queries. It is immutable after New and safe for
// concurrent use.
type Matcher struct {
	adapter AdapterRules
	rules   []Rule
}

// New builds a Matcher.
//
// Description:
//
//	Parses the caller patterns and, when requested, every .gitignore
//	under the root (nested files scoped to their directory).
//
// Inputs:
//
//	opts - Patterns, adapter rules and gitignore loading
//
// Outputs:
//
//	*Matcher - The matcher
//	error - Non-nil on an invalid pattern or unreadable .gitignore
func New(opts Options) (*Matcher, error) {
	m := &Matcher{adapter: opts.Adapter}
	for _, p := range opts.Patterns {
		r, ok, err := ParseRule(p, "")
		if err != nil {
			return nil, err
		}
		if ok {
			m.rules = append(m.rules, r)
		}
	}
	if opts.Gitignore && opts.Root != "" {
		rules, err := LoadGitignore(opts.Root, m.IsIgnoredDirname)
		if err != nil {
			return nil, err
		}
		m.rules = append(m.rules, rules...)
	}
	return m, nil
}

// Rules returns the glob rules in evaluation order.
func (m *Matcher) Rules() []Rule {
	return append([]Rule(nil), m.rules...)
}

// IsIgnoredDirname reports whether a directory with this name is skipped
// wherever it appears.
func (m *Matcher) IsIgnoredDirname(name string) bool {
	if strings.HasPrefix(name, ".") && name != "." && name != ".." {
		return true
	}
	return m.adapter != nil && m.adapter.IgnoresDirname(name)
}

// IsIgnoredPath reports whether the repository-relative file path is skipped.
func (m *Matcher) IsIgnoredPath(relPath string) bool {
	return m.IsIgnored(relPath, false)
}

// IsIgnored reports whether relPath is skipped; isDir marks directories so
// dir-only patterns ("build/") apply.
func (m *Matcher) IsIgnored(relPath string, isDir bool) bool {
	relPath = strings.Trim(filepath.ToSlash(relPath), "/")
	if relPath == "" || relPath == "." {
		return false
	}

	parts := strings.Split(relPath, "/")
	dirs := parts
	if !isDir {
		dirs = parts[:len(parts)-1]
	}
	for _, p := range dirs {
		if m.IsIgnoredDirname(p) {
			return true
		}
	}
	if m.adapter != nil && m.adapter.IgnoresPath(relPath) {
		return true
	}

	// An excluded parent directory cannot be re-included from below.
	for i := 1; i <= len(parts); i++ {
		candidate := strings.Join(parts[:i], "/")
		candidateIsDir := i < len(parts) || isDir
		if m.globIgnored(candidate, candidateIsDir) {
			return true
		}
	}
	return false
}

// globIgnored applies the glob rules with last-match-wins.
func (m *Matcher) globIgnored(relPath string, isDir bool) bool {
	ignored := false
	for _, r := range m.rules {
		if r.match(relPath, isDir) {
			ignored = !r.Negate
		}
	}
	return ignored
}

// LoadGitignore collects the rules of every .gitignore under root. Directories
// for which skipDir returns true are not descended into.
func LoadGitignore(root string, skipDir func(name string) bool) ([]Rule, error) {
	var rules []Rule
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if p != root && skipDir != nil && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != ".gitignore" {
			return nil
		}

		rel, err := filepath.Rel(root, filepath.Dir(p))
		if err != nil {
			return err
		}
		if rel == "." {
			rel = ""
		}
		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("open %s: %w", p, err)
		}
		defer f.Close()
		parsed, err := ParseRules(f, rel)
		if err != nil {
			return fmt.Errorf("parse %s: %w", p, err)
		}
		rules = append(rules, parsed...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rules, nil
}
