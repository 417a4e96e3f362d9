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
	"time"

	"github.com/AleutianAI/lspbridge/services/lspbridge/lsp"
)

// RustAnalyzer returns the Rust adapter. rust-analyzer reports a quiescent
// experimental/serverStatus once cargo metadata and indexing finish.
func RustAnalyzer() *lsp.AdapterConfig {
	return &lsp.AdapterConfig{
		Language:           "rust",
		ServerName:         "rust-analyzer",
		LanguageID:         "rust",
		Extensions:         []string{".rs"},
		Remediation:        "rustup component add rust-analyzer",
		BuildLaunchCommand: command("rust-analyzer"),
		InitializationOptions: map[string]any{
			"cargo":     map[string]any{"buildScripts": map[string]any{"enable": true}},
			"procMacro": map[string]any{"enable": true},
		},
		Readiness: func() lsp.ReadinessStrategy {
			return lsp.ServerStatusQuiescent(2 * time.Minute)
		},
		RequiredCapabilities: []lsp.Capability{lsp.CapDocumentSymbol, lsp.CapDefinition},
		IgnoredDirnames:      []string{"target"},
		RequestTimeout:       60 * time.Second,
		StartupTimeout:       2 * time.Minute,
		ShutdownGrace:        5 * time.Second,
	}
}

// Clangd returns the C/C++ adapter.
func Clangd() *lsp.AdapterConfig {
	return &lsp.AdapterConfig{
		Language:   "cpp",
		ServerName: "clangd",
		LanguageID: "cpp",
		LanguageIDs: map[string]string{
			".c": "c",
			".h": "c",
		},
		Extensions:           []string{".c", ".h", ".cpp", ".cc", ".cxx", ".hpp", ".hh", ".hxx"},
		Remediation:          "install clangd from your LLVM distribution",
		BuildLaunchCommand:   command("clangd", "--background-index"),
		RequiredCapabilities: []lsp.Capability{lsp.CapDocumentSymbol},
		RequestTimeout:       30 * time.Second,
		ShutdownGrace:        5 * time.Second,
	}
}
