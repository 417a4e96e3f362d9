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
	"strings"
	"time"

	"github.com/AleutianAI/lspbridge/services/lspbridge/lsp"
)

const typeScriptReadinessTimeout = time.Second

// TypeScript returns the TypeScript/JavaScript adapter.
func TypeScript() *lsp.AdapterConfig {
	return &lsp.AdapterConfig{
		Language:   "typescript",
		ServerName: "typescript-language-server",
		LanguageID: "typescript",
		LanguageIDs: map[string]string{
			".tsx": "typescriptreact",
			".js":  "javascript",
			".mjs": "javascript",
			".cjs": "javascript",
			".jsx": "javascriptreact",
		},
		Extensions:         []string{".ts", ".tsx", ".mts", ".cts", ".js", ".jsx", ".mjs", ".cjs"},
		Remediation:        "npm install -g typescript typescript-language-server",
		BuildLaunchCommand: command("typescript-language-server", "--stdio"),
		Readiness: func() lsp.ReadinessStrategy {
			return lsp.FirstOf(typeScriptReadinessTimeout,
				lsp.CapabilityGated("workspace/executeCommand", typeScriptReadinessTimeout),
				lsp.ServerStatusQuiescent(typeScriptReadinessTimeout),
			)
		},
		RequiredCapabilities:         []lsp.Capability{lsp.CapDocumentSymbol, lsp.CapDefinition},
		IgnoredDirnames:              []string{"node_modules", "dist", "build", "coverage"},
		RequestTimeout:               30 * time.Second,
		ShutdownGrace:                5 * time.Second,
		CrossFileReferenceSettleTime: 2 * time.Second,
		PreferDefinition:             PreferOutsideNodeModules,
	}
}

// PreferOutsideNodeModules drops definitions inside node_modules (typically
// .d.ts declarations) when at least one source definition exists.
func PreferOutsideNodeModules(locs []lsp.Location) []lsp.Location {
	var own []lsp.Location
	for _, loc := range locs {
		if !strings.Contains(loc.URI, "/node_modules/") {
			own = append(own, loc)
		}
	}
	if len(own) == 0 {
		return locs
	}
	return own
}
