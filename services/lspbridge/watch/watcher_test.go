// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/lspbridge/services/lspbridge/ignore"
)

type collector struct {
	mu      sync.Mutex
	batches [][]Change
	notify  chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 64)}
}

func (c *collector) handle(changes []Change) {
	c.mu.Lock()
	c.batches = append(c.batches, changes)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *collector) all() []Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Change
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

func (c *collector) waitFor(t *testing.T, relPath string) Change {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		for _, ch := range c.all() {
			if ch.RelPath == relPath {
				return ch
			}
		}
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("no change reported for %s; got %+v", relPath, c.all())
		}
	}
}

func TestWatcher(t *testing.T) {
	t.Run("reports created files with relative paths", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg"), 0o755))

		c := newCollector()
		w, err := New(root, c.handle, Options{Debounce: 20 * time.Millisecond})
		require.NoError(t, err)
		require.NoError(t, w.Start())
		defer w.Stop()

		require.NoError(t, os.WriteFile(filepath.Join(root, "pkg", "a.go"), []byte("package pkg\n"), 0o644))

		ch := c.waitFor(t, "pkg/a.go")
		assert.Equal(t, filepath.Join(w.Root(), "pkg", "a.go"), ch.Path)
		assert.Equal(t, OpCreated, ch.Op)
	})

	t.Run("watches directories created after start", func(t *testing.T) {
		root := t.TempDir()
		c := newCollector()
		w, err := New(root, c.handle, Options{Debounce: 20 * time.Millisecond})
		require.NoError(t, err)
		require.NoError(t, w.Start())
		defer w.Stop()

		require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
		c.waitFor(t, "sub")

		require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.go"), []byte("x"), 0o644))
		c.waitFor(t, "sub/b.go")
	})

	t.Run("ignored paths are not reported", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules", "lib"), 0o755))
		require.NoError(t, os.MkdirAll(filepath.Join(root, ".cache"), 0o755))

		m, err := ignore.New(ignore.Options{Patterns: []string{"node_modules/", "*.log"}})
		require.NoError(t, err)

		c := newCollector()
		w, err := New(root, c.handle, Options{Debounce: 20 * time.Millisecond, Filter: m})
		require.NoError(t, err)
		require.NoError(t, w.Start())
		defer w.Stop()

		require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "lib", "x.js"), []byte("x"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(root, ".cache", "y"), []byte("y"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(root, "debug.log"), []byte("z"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o644))

		c.waitFor(t, "main.go")
		for _, ch := range c.all() {
			assert.NotContains(t, ch.RelPath, "node_modules")
			assert.NotContains(t, ch.RelPath, ".cache")
			assert.NotEqual(t, "debug.log", ch.RelPath)
		}
	})

	t.Run("stop is idempotent and start after stop fails", func(t *testing.T) {
		w, err := New(t.TempDir(), func([]Change) {}, Options{})
		require.NoError(t, err)
		require.NoError(t, w.Start())
		require.NoError(t, w.Start())
		w.Stop()
		w.Stop()
		assert.Error(t, w.Start())
	})

	t.Run("requires handler", func(t *testing.T) {
		_, err := New(t.TempDir(), nil, Options{})
		assert.Error(t, err)
	})
}

func TestDeduplicate(t *testing.T) {
	now := time.Now()
	in := []Change{
		{Path: "/r/a", Op: OpCreated, Time: now},
		{Path: "/r/b", Op: OpChanged, Time: now},
		{Path: "/r/a", Op: OpChanged, Time: now.Add(time.Millisecond)},
		{Path: "/r/b", Op: OpDeleted, Time: now.Add(2 * time.Millisecond)},
		{Path: "/r/c", Op: OpChanged, Time: now},
	}
	out := Deduplicate(in)
	require.Len(t, out, 3)
	assert.Equal(t, "/r/a", out[0].Path)
	assert.Equal(t, OpCreated, out[0].Op)
	assert.Equal(t, now.Add(time.Millisecond), out[0].Time)
	assert.Equal(t, OpDeleted, out[1].Op)
	assert.Equal(t, "/r/c", out[2].Path)
}

func TestOpString(t *testing.T) {
	assert.Equal(t, "created", OpCreated.String())
	assert.Equal(t, "changed", OpChanged.String())
	assert.Equal(t, "deleted", OpDeleted.String())
	assert.Equal(t, "unknown", Op(0).String())
}
