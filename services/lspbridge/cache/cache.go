// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache provides the symbol cache used by the symbol index.
//
// Entries are keyed by repository-relative path and validated against the
// file's content hash and the adapter's context fingerprint. Published
// entries are immutable and read without locks; builds for the same key are
// deduplicated with singleflight; publication and invalidation are
// serialized by a mutex and ordered by a generation counter so that a build
// started before an invalidation never resurrects stale data.
//
// An optional Store adds a persistent second tier (see BadgerStore).
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultMaxEntries bounds the in-memory tier when Options.MaxEntries is zero.
const DefaultMaxEntries = 10000

// Key identifies one cached document.
type Key struct {
	// RelPath is the repository-relative path with forward slashes.
	RelPath string

	// ContentHash is the hash of the file content the entry was built from.
	ContentHash string

	// Fingerprint is the adapter context fingerprint ("" when none).
	Fingerprint string
}

func (k Key) String() string {
	return k.RelPath + "\x00" + k.ContentHash + "\x00" + k.Fingerprint
}

// Entry is a published cache entry. It is never mutated after publication.
type Entry[T any] struct {
	Key           Key
	Value         T
	LastValidated time.Time
}

// Store is a persistent tier behind the in-memory map.
type Store interface {
	// Load returns the encoded value for key, if present.
	Load(ctx context.Context, key Key) ([]byte, bool, error)

	// Save stores the encoded value for key, replacing older entries for
	// the same path.
	Save(ctx context.Context, key Key, data []byte) error

	// DeletePath removes every entry for relPath.
	DeletePath(ctx context.Context, relPath string) error

	// Clear removes everything.
	Clear(ctx context.Context) error
}

// Options configures a SymbolCache.
type Options struct {
	// Name labels metrics and logs (e.g., the language).
	Name string

	// MaxEntries bounds the in-memory tier. Zero uses DefaultMaxEntries.
	MaxEntries int

	// Store is the optional persistent tier.
	Store Store

	Logger *slog.Logger
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries   int
	Hits      int64
	StoreHits int64
	Misses    int64
	Builds    int64
	Evictions int64
	Discarded int64 // builds not published because of a concurrent invalidation
}

// BuildFunc computes a value on a cache miss.
type BuildFunc[T any] func(ctx context.Context) (T, error)

// SymbolCache caches one value per path.
//
// Thread Safety: Safe for concurrent use. Returned values are shared with
// other callers and must be treated as read-only.
type SymbolCache[T any] struct {
	opts   Options
	logger *slog.Logger

	entries sync.Map // relPath -> *Entry[T]
	flight  singleflight.Group

	mu      sync.Mutex // guards publication, invalidation, pathGen, epoch
	pathGen map[string]uint64
	epoch   uint64
	count   atomic.Int64

	hits      atomic.Int64
	storeHits atomic.Int64
	misses    atomic.Int64
	builds    atomic.Int64
	evictions atomic.Int64
	discarded atomic.Int64
}

// New creates a SymbolCache.
func New[T any](opts Options) *SymbolCache[T] {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SymbolCache[T]{
		opts:    opts,
		logger:  logger.With(slog.String("cache", opts.Name)),
		pathGen: make(map[string]uint64),
	}
}

type generation struct {
	epoch uint64
	path  uint64
}

func (c *SymbolCache[T]) generationLocked(relPath string) generation {
	return generation{epoch: c.epoch, path: c.pathGen[relPath]}
}

// Get returns the entry for key if one is published with the same content
// hash and fingerprint.
func (c *SymbolCache[T]) Get(key Key) (*Entry[T], bool) {
	v, ok := c.entries.Load(key.RelPath)
	if !ok {
		return nil, false
	}
	e := v.(*Entry[T])
	if e.Key != key {
		return nil, false
	}
	return e, true
}

// GetOrBuild returns the cached value for key or builds it.
//
// Description:
//
//	A published entry is returned only on an exact match of content hash
//	and fingerprint. Otherwise the persistent store is consulted, then
//	build runs; concurrent callers for the same key share one build. The
//	result is published unless the path was invalidated while building.
//
// Inputs:
//
//	ctx - Context for cancellation
//	key - The cache key
//	build - Computes the value on a miss
//
// Outputs:
//
//	T - The value
//	bool - True if served from a cache tier without building
//	error - The build error, if any
func (c *SymbolCache[T]) GetOrBuild(ctx context.Context, key Key, build BuildFunc[T]) (T, bool, error) {
	start := time.Now()
	if e, ok := c.Get(key); ok {
		c.hits.Add(1)
		recordLookup(ctx, c.opts.Name, "memory", time.Since(start))
		return e.Value, true, nil
	}

	c.mu.Lock()
	gen := c.generationLocked(key.RelPath)
	c.mu.Unlock()

	if v, ok := c.loadFromStore(ctx, key); ok {
		c.storeHits.Add(1)
		c.publish(ctx, key, v, gen)
		recordLookup(ctx, c.opts.Name, "store", time.Since(start))
		return v, true, nil
	}

	c.misses.Add(1)
	res, err, _ := c.flight.Do(key.String(), func() (interface{}, error) {
		v, err := build(ctx)
		if err != nil {
			return nil, err
		}
		c.builds.Add(1)
		if c.publish(ctx, key, v, gen) {
			c.saveToStore(ctx, key, v)
		}
		return v, nil
	})
	recordLookup(ctx, c.opts.Name, "build", time.Since(start))
	if err != nil {
		var zero T
		return zero, false, err
	}
	return res.(T), false, nil
}

// publish stores v unless an invalidation happened after gen was taken.
func (c *SymbolCache[T]) publish(ctx context.Context, key Key, v T, gen generation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generationLocked(key.RelPath) != gen {
		c.discarded.Add(1)
		return false
	}

	entry := &Entry[T]{Key: key, Value: v, LastValidated: time.Now()}
	if _, loaded := c.entries.Swap(key.RelPath, entry); !loaded {
		c.count.Add(1)
	}
	for c.count.Load() > int64(c.opts.MaxEntries) {
		if !c.evictOldestLocked() {
			break
		}
		recordEviction(ctx, c.opts.Name)
	}
	return true
}

func (c *SymbolCache[T]) evictOldestLocked() bool {
	var oldestPath string
	var oldest time.Time
	c.entries.Range(func(k, v any) bool {
		e := v.(*Entry[T])
		if oldestPath == "" || e.LastValidated.Before(oldest) {
			oldestPath, oldest = k.(string), e.LastValidated
		}
		return true
	})
	if oldestPath == "" {
		return false
	}
	c.entries.Delete(oldestPath)
	c.count.Add(-1)
	c.evictions.Add(1)
	return true
}

// Invalidate drops the entry for relPath in every tier.
func (c *SymbolCache[T]) Invalidate(ctx context.Context, relPath string) {
	c.mu.Lock()
	c.pathGen[relPath]++
	if _, loaded := c.entries.LoadAndDelete(relPath); loaded {
		c.count.Add(-1)
	}
	c.mu.Unlock()

	if c.opts.Store != nil {
		if err := c.opts.Store.DeletePath(ctx, relPath); err != nil {
			c.logger.Warn("cache store delete failed", slog.String("path", relPath), slog.String("error", err.Error()))
		}
	}
}

// InvalidateAll drops every entry in every tier.
func (c *SymbolCache[T]) InvalidateAll(ctx context.Context) {
	c.mu.Lock()
	c.epoch++
	c.pathGen = make(map[string]uint64)
	c.entries.Range(func(k, _ any) bool {
		c.entries.Delete(k)
		return true
	})
	c.count.Store(0)
	c.mu.Unlock()

	if c.opts.Store != nil {
		if err := c.opts.Store.Clear(ctx); err != nil {
			c.logger.Warn("cache store clear failed", slog.String("error", err.Error()))
		}
	}
}

// Stats returns a snapshot of the cache counters.
func (c *SymbolCache[T]) Stats() Stats {
	return Stats{
		Entries:   int(c.count.Load()),
		Hits:      c.hits.Load(),
		StoreHits: c.storeHits.Load(),
		Misses:    c.misses.Load(),
		Builds:    c.builds.Load(),
		Evictions: c.evictions.Load(),
		Discarded: c.discarded.Load(),
	}
}

func (c *SymbolCache[T]) loadFromStore(ctx context.Context, key Key) (T, bool) {
	var zero T
	if c.opts.Store == nil {
		return zero, false
	}
	data, ok, err := c.opts.Store.Load(ctx, key)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.logger.Warn("cache store load failed", slog.String("path", key.RelPath), slog.String("error", err.Error()))
		}
		return zero, false
	}
	if !ok {
		return zero, false
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		c.logger.Warn("discarding undecodable cache entry", slog.String("path", key.RelPath), slog.String("error", err.Error()))
		return zero, false
	}
	return v, true
}

func (c *SymbolCache[T]) saveToStore(ctx context.Context, key Key, v T) {
	if c.opts.Store == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("cache value not encodable", slog.String("path", key.RelPath), slog.String("error", err.Error()))
		return
	}
	if err := c.opts.Store.Save(ctx, key, data); err != nil {
		c.logger.Warn("cache store save failed", slog.String("path", key.RelPath), slog.String("error", err.Error()))
	}
}
