// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package symbols answers code-intelligence queries for one repository and
// language on top of an lsp.Session.
//
// # Paths and Positions
//
// Every path in and out of this package is relative to the repository root
// and uses forward slashes. Positions are zero-based LSP line/character
// pairs, with characters counted in UTF-16 code units.
//
// # Caching
//
// Document symbols are cached by (path, content hash, context fingerprint).
// The content hash is xxhash over the file bytes, so an edited file is
// rebuilt on its next query even without a watcher. Watch additionally
// invalidates changed paths and forwards the changes to the server.
//
// # Cross-file Queries
//
// References, Definition and Rename wait for the session to settle before
// asking the server, so results do not depend on how far background
// indexing has progressed.
//
// # Thread Safety
//
// Index is safe for concurrent use.
package symbols
