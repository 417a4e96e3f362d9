// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package adapters

import (
	"regexp"
	"time"

	"github.com/AleutianAI/lspbridge/services/lspbridge/lsp"
)

// pyrightScanComplete is logged once pyright has scanned the workspace.
var pyrightScanComplete = regexp.MustCompile(`Found \d+ source files?`)

const pyrightReadinessTimeout = 5 * time.Second

// Pyright returns the Python adapter.
//
// Pyright has no explicit ready signal. It is considered ready once it logs
// its source file count or reports a quiescent server status.
func Pyright() *lsp.AdapterConfig {
	return &lsp.AdapterConfig{
		Language:           "python",
		ServerName:         "pyright",
		LanguageID:         "python",
		Extensions:         []string{".py", ".pyi"},
		Remediation:        "npm install -g pyright (or pip install pyright)",
		BuildLaunchCommand: command("pyright-langserver", "--stdio"),
		Readiness: func() lsp.ReadinessStrategy {
			return lsp.FirstOf(pyrightReadinessTimeout,
				lsp.LogPattern(pyrightScanComplete, pyrightReadinessTimeout),
				lsp.ServerStatusQuiescent(pyrightReadinessTimeout),
			)
		},
		RequiredCapabilities: []lsp.Capability{lsp.CapDocumentSymbol, lsp.CapDefinition},
		IgnoredDirnames:      []string{"venv", "__pycache__"},
		RequestTimeout:       30 * time.Second,
		ShutdownGrace:        5 * time.Second,
	}
}
