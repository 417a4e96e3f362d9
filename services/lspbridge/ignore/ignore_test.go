// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ignore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	dirs   []string
	suffix string
}

func (f fakeAdapter) IgnoresDirname(name string) bool {
	for _, d := range f.dirs {
		if d == name {
			return true
		}
	}
	return false
}

func (f fakeAdapter) IgnoresPath(relPath string) bool {
	return f.suffix != "" && strings.HasSuffix(relPath, f.suffix)
}

func TestParseRule(t *testing.T) {
	tests := []struct {
		line   string
		ok     bool
		negate bool
		dir    bool
		anchor bool
	}{
		{line: "", ok: false},
		{line: "# comment", ok: false},
		{line: "*.log", ok: true},
		{line: "!keep.log", ok: true, negate: true},
		{line: "build/", ok: true, dir: true},
		{line: "/generated", ok: true, anchor: true},
		{line: "docs/*.md", ok: true, anchor: true},
		{line: `\#literal`, ok: true},
		{line: "trailing   ", ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			r, ok, err := ParseRule(tt.line, "")
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.negate, r.Negate)
			assert.Equal(t, tt.dir, r.DirOnly)
			assert.Equal(t, tt.anchor, r.Anchored)
		})
	}

	_, _, err := ParseRule("[unclosed", "")
	assert.Error(t, err)
}

func TestMatcher_AdditiveSources(t *testing.T) {
	m, err := New(Options{
		Patterns: []string{"*.gen.go", "testdata/**", "!*.keep.gen.go"},
		Adapter:  fakeAdapter{dirs: []string{"vendor", "node_modules"}, suffix: "_mock.go"},
	})
	require.NoError(t, err)

	tests := []struct {
		path string
		want bool
		why  string
	}{
		{"main.go", false, "no source matches"},
		{"pkg/server/server.go", false, "no source matches"},
		{".git/config", true, "fixed deny-list"},
		{"pkg/.cache/x.go", true, "fixed deny-list at depth"},
		{"vendor/lib/lib.go", true, "adapter dirname"},
		{"web/node_modules/react/index.js", true, "adapter dirname at depth"},
		{"pkg/db_mock.go", true, "adapter path predicate"},
		{"api/types.gen.go", true, "caller glob at any depth"},
		{"testdata/fixtures/a.go", true, "caller anchored glob"},
		{"api/types.keep.gen.go", false, "negation re-includes within the glob set"},
		{"vendor/x.keep.gen.go", true, "negation cannot override the adapter list"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, m.IsIgnoredPath(tt.path), tt.why)
		})
	}

	t.Run("dirnames", func(t *testing.T) {
		assert.True(t, m.IsIgnoredDirname(".idea"))
		assert.True(t, m.IsIgnoredDirname("vendor"))
		assert.False(t, m.IsIgnoredDirname("internal"))
		assert.False(t, m.IsIgnoredDirname("."))
	})

	t.Run("root is never ignored", func(t *testing.T) {
		assert.False(t, m.IsIgnored("", true))
		assert.False(t, m.IsIgnored(".", true))
	})
}

func TestMatcher_DirOnlyPatterns(t *testing.T) {
	m, err := New(Options{Patterns: []string{"build/", "/dist"}})
	require.NoError(t, err)

	assert.True(t, m.IsIgnoredPath("build/out.go"))
	assert.True(t, m.IsIgnoredPath("cmd/build/out.go"), "unanchored dir pattern matches at depth")
	assert.False(t, m.IsIgnoredPath("build"), "a file named build is not a directory")
	assert.True(t, m.IsIgnored("build", true))

	assert.True(t, m.IsIgnoredPath("dist/app.js"))
	assert.False(t, m.IsIgnoredPath("web/dist/app.js"), "anchored pattern matches only at the root")
}

func TestMatcher_ParentExclusionWins(t *testing.T) {
	m, err := New(Options{Patterns: []string{"out/", "!out/keep.go"}})
	require.NoError(t, err)
	assert.True(t, m.IsIgnoredPath("out/keep.go"))
}

func TestLoadGitignore(t *testing.T) {
	root := t.TempDir()
	write := func(rel, content string) {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	write(".gitignore", "# root\n*.tmp\n/bin/\n")
	write("web/.gitignore", "generated/\n!important.tmp\n")
	write(".git/info/.gitignore", "*.go\n")

	m, err := New(Options{Root: root, Gitignore: true})
	require.NoError(t, err)

	assert.Len(t, m.Rules(), 4, ".git is not scanned")
	assert.True(t, m.IsIgnoredPath("a.tmp"))
	assert.True(t, m.IsIgnoredPath("bin/tool"))
	assert.False(t, m.IsIgnoredPath("cmd/bin/tool"))
	assert.True(t, m.IsIgnoredPath("web/generated/api.ts"))
	assert.False(t, m.IsIgnoredPath("generated/api.ts"), "nested rules are scoped to their directory")
	assert.False(t, m.IsIgnoredPath("web/important.tmp"))
	assert.True(t, m.IsIgnoredPath("important.tmp"))
	assert.False(t, m.IsIgnoredPath("main.go"))
}

func TestNew_InvalidPattern(t *testing.T) {
	_, err := New(Options{Patterns: []string{"a[b"}})
	assert.Error(t, err)
}
