// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lsp is the generic Language Server Protocol client engine.
//
// The engine speaks JSON-RPC over a language server's stdio, supervises the
// server process, performs the initialize handshake and decides when the
// server is actually able to answer symbol queries. Everything that differs
// between servers is injected through an AdapterConfig; the engine itself
// holds no language-specific state.
//
// # Architecture
//
//	caller ──► Session.Call ──► Dispatcher ──► Conn ──► server stdin
//	                                ▲
//	server stdout ──► Conn ──► reader loop ──┬──► Dispatcher (responses)
//	                                         └──► Router (notifications,
//	                                                      server requests)
//
// # Components
//
//   - Conn: Content-Length framing over a reader/writer pair
//   - Process: spawns and tears down the server process tree
//   - Dispatcher: request IDs, pending table, per-call timeouts
//   - Router: server→client method handlers, dispatched in arrival order
//   - ReadinessStrategy: decides when an initialized server is ready
//   - Session: the state machine tying the above together
//   - Manager: one lazily started Session per language for a repository
//
// # Thread Safety
//
// All exported types are safe for concurrent use unless noted otherwise.
//
// # Example
//
//	sess := lsp.NewSession("/path/to/repo", adapter)
//	if err := sess.Start(ctx); err != nil {
//	    return err
//	}
//	defer sess.Stop(context.Background())
//
//	raw, err := sess.Call(ctx, "textDocument/documentSymbol", params, 0)
package lsp
