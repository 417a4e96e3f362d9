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
	"log/slog"
	"time"

	"github.com/AleutianAI/lspbridge/services/lspbridge/lsp"
	"github.com/AleutianAI/lspbridge/services/lspbridge/watch"
)

// Watch starts a file watcher over the root.
//
// Description:
//
//	Each debounced batch invalidates the cached symbols of the changed
//	files and is forwarded to the server as
//	workspace/didChangeWatchedFiles. Only files the adapter handles are
//	reported; ignored paths are never watched. The watcher stops when ctx
//	is done or when the caller stops it.
//
// Inputs:
//
//	ctx - Lifetime of the watcher
//	debounce - Quiet period before a batch is delivered; 0 uses the default
//
// Outputs:
//
//	*watch.Watcher - The running watcher
//	error - Non-nil if the watcher cannot start
func (ix *Index) Watch(ctx context.Context, debounce time.Duration) (*watch.Watcher, error) {
	w, err := watch.New(ix.root, func(changes []watch.Change) {
		ix.applyChanges(context.WithoutCancel(ctx), changes)
	}, watch.Options{
		Debounce: debounce,
		Filter:   ix.matcher,
		Logger:   ix.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := w.Start(); err != nil {
		w.Stop()
		return nil, err
	}
	context.AfterFunc(ctx, w.Stop)
	return w, nil
}

// applyChanges invalidates and forwards one batch of file changes.
func (ix *Index) applyChanges(ctx context.Context, changes []watch.Change) {
	events := make([]lsp.FileEvent, 0, len(changes))
	for _, c := range changes {
		if !ix.adapter.HandlesFile(c.RelPath) {
			continue
		}
		ix.Invalidate(ctx, c.RelPath)
		events = append(events, lsp.FileEvent{URI: lsp.PathToURI(c.Path), Type: fileChangeType(c.Op)})
	}
	if len(events) == 0 {
		return
	}
	if err := ix.session.Notify("workspace/didChangeWatchedFiles", lsp.DidChangeWatchedFilesParams{Changes: events}); err != nil {
		ix.logger.Debug("didChangeWatchedFiles failed", slog.Int("changes", len(events)), slog.String("error", err.Error()))
	}
}

func fileChangeType(op watch.Op) lsp.FileChangeType {
	switch op {
	case watch.OpCreated:
		return lsp.FileCreated
	case watch.OpDeleted:
		return lsp.FileDeleted
	default:
		return lsp.FileChanged
	}
}
