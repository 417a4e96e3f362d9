// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_InMemory(t *testing.T) {
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.Put(ctx, []byte("k"), []byte("v")))

	val, ok, err := db.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), val)

	_, ok, err = db.Get(ctx, []byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, db.InMemory())
	assert.Equal(t, "", db.Path())
}

func TestOpen_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, db.Put(ctx, []byte("persistent-key"), []byte("persistent-value")))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "Close is idempotent")

	db2, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer db2.Close()

	val, ok, err := db2.Get(ctx, []byte("persistent-key"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("persistent-value"), val)
	assert.Equal(t, dir, db2.Path())
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestDB_DeletePrefix(t *testing.T) {
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, db.Put(ctx, []byte(fmt.Sprintf("a.go\x00%d", i)), []byte("x")))
	}
	require.NoError(t, db.Put(ctx, []byte("b.go\x000"), []byte("y")))

	n, err := db.Count(ctx, []byte("a.go\x00"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	removed, err := db.DeletePrefix(ctx, []byte("a.go\x00"))
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	n, err = db.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	removed, err = db.DeletePrefix(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	n, err = db.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDB_CancelledContext(t *testing.T) {
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, db.Put(ctx, []byte("k"), []byte("v")), context.Canceled)
	_, _, err = db.Get(ctx, []byte("k"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDB_GCLoopStops(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.GCInterval = 5 * time.Millisecond
	db, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}
