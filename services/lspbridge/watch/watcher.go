// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch reports debounced file changes under a repository root.
package watch

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period before a batch is delivered.
const DefaultDebounce = 100 * time.Millisecond

// Op is the kind of change.
type Op int

const (
	// OpCreated is a new file or directory.
	OpCreated Op = iota + 1

	// OpChanged is a content change.
	OpChanged

	// OpDeleted is a removal or a rename away from the path.
	OpDeleted
)

func (op Op) String() string {
	switch op {
	case OpCreated:
		return "created"
	case OpChanged:
		return "changed"
	case OpDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Change is one file change.
type Change struct {
	// Path is the absolute path.
	Path string

	// RelPath is relative to the watched root, with forward slashes.
	RelPath string

	Op   Op
	Time time.Time
}

// Handler receives one deduplicated batch at a time, from a single goroutine.
type Handler func(changes []Change)

// Filter decides which paths are watched and reported. *ignore.Matcher
// implements it.
type Filter interface {
	IsIgnored(relPath string, isDir bool) bool
}

// Options configures a Watcher.
type Options struct {
	Debounce   time.Duration
	Filter     Filter
	BufferSize int
	Logger     *slog.Logger
}

// Watcher watches a directory tree recursively.
//
// Thread Safety: Safe for concurrent use. Stop is idempotent.
type Watcher struct {
	root     string
	fsw      *fsnotify.Watcher
	handler  Handler
	debounce time.Duration
	filter   Filter
	logger   *slog.Logger

	changes  chan Change
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	startMu  sync.Mutex
	started  bool
}

// New creates a Watcher for root. Call Start to begin watching.
func New(root string, handler Handler, opts Options) (*Watcher, error) {
	if handler == nil {
		return nil, errors.New("watch: handler is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:     abs,
		fsw:      fsw,
		handler:  handler,
		debounce: opts.Debounce,
		filter:   opts.Filter,
		logger:   logger,
		changes:  make(chan Change, opts.BufferSize),
		done:     make(chan struct{}),
	}, nil
}

// Start adds watches for every non-ignored directory and starts delivery.
func (w *Watcher) Start() error {
	w.startMu.Lock()
	defer w.startMu.Unlock()
	if w.started {
		return nil
	}
	select {
	case <-w.done:
		return errors.New("watch: watcher is stopped")
	default:
	}

	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	w.started = true
	w.wg.Add(2)
	go w.processEvents()
	go w.debounceLoop()
	return nil
}

// Stop stops watching, delivers any pending batch and waits for the
// delivery goroutine to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.fsw.Close()
		w.wg.Wait()
	})
}

// Root returns the absolute watched root.
func (w *Watcher) Root() string { return w.root }

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.ignored(path, true) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Debug("watch add failed", slog.String("path", path), slog.String("error", err.Error()))
		}
		return nil
	})
}

func (w *Watcher) rel(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func (w *Watcher) ignored(path string, isDir bool) bool {
	return w.filter != nil && w.filter.IsIgnored(w.rel(path), isDir)
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	op := convertOp(event.Op)
	if op == 0 {
		return
	}

	isDir := false
	if op == OpCreated {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			isDir = true
		}
	}
	if w.ignored(event.Name, isDir) {
		return
	}
	if isDir {
		if err := w.addRecursive(event.Name); err != nil {
			w.logger.Debug("watch new directory failed", slog.String("path", event.Name), slog.String("error", err.Error()))
		}
	}

	change := Change{Path: event.Name, RelPath: w.rel(event.Name), Op: op, Time: time.Now()}
	select {
	case w.changes <- change:
	default:
		w.logger.Warn("file change dropped, buffer full", slog.String("path", change.RelPath))
	}
}

func convertOp(op fsnotify.Op) Op {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreated
	case op.Has(fsnotify.Write):
		return OpChanged
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return OpDeleted
	default:
		// chmod only
		return 0
	}
}

func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	var batch []Change
	timer := time.NewTimer(w.debounce)
	timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.handler(Deduplicate(batch))
		batch = nil
	}

	for {
		select {
		case <-w.done:
			flush()
			return
		case c := <-w.changes:
			batch = append(batch, c)
			timer.Reset(w.debounce)
		case <-timer.C:
			flush()
		}
	}
}

// Deduplicate keeps one change per path in first-seen order. The latest op
// wins, except that a create followed by writes stays a create.
func Deduplicate(changes []Change) []Change {
	seen := make(map[string]int, len(changes))
	out := make([]Change, 0, len(changes))
	for _, c := range changes {
		idx, ok := seen[c.Path]
		if !ok {
			seen[c.Path] = len(out)
			out = append(out, c)
			continue
		}
		if out[idx].Op == OpCreated && c.Op == OpChanged {
			out[idx].Time = c.Time
			continue
		}
		out[idx] = c
	}
	return out
}
