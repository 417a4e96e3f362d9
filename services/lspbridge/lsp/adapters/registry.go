// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package adapters holds the built-in language server adapters and the
// registry that resolves a language or file to its adapter.
//
// Each adapter is a declarative *lsp.AdapterConfig: launch command,
// initialize params, readiness strategy, ignore rules and timeouts. The
// session engine in package lsp never branches on language.
package adapters

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/lspbridge/services/lspbridge/lsp"
)

// Registry maps languages and file extensions to adapters.
//
// Thread Safety: Safe for concurrent use. Registered adapters must not be
// mutated afterwards; sessions share them.
type Registry struct {
	mu         sync.RWMutex
	byLanguage map[string]*lsp.AdapterConfig
	byExt      map[string]string // extension -> language
}

// NewRegistry creates a registry with the built-in adapters.
//
// Description:
//
//	Pre-populates Go (gopls), Python (pyright), TypeScript/JavaScript
//	(typescript-language-server), Rust (rust-analyzer) and C/C++ (clangd).
//
// Outputs:
//
//	*Registry - The populated registry
func NewRegistry() *Registry {
	r := NewEmptyRegistry()
	for _, a := range Builtins() {
		_ = r.Register(a)
	}
	return r
}

// NewEmptyRegistry creates a registry with no adapters.
func NewEmptyRegistry() *Registry {
	return &Registry{
		byLanguage: make(map[string]*lsp.AdapterConfig),
		byExt:      make(map[string]string),
	}
}

// Builtins returns fresh copies of the built-in adapters.
func Builtins() []*lsp.AdapterConfig {
	return []*lsp.AdapterConfig{
		Gopls(nil),
		Pyright(),
		TypeScript(),
		RustAnalyzer(),
		Clangd(),
	}
}

// Register adds or replaces the adapter for its language.
//
// Description:
//
//	Validates the adapter, drops extension mappings left by a previous
//	adapter for the same language and maps the new extensions.
//
// Inputs:
//
//	adapter - The adapter to register
//
// Outputs:
//
//	error - Non-nil if the adapter is invalid
func (r *Registry) Register(adapter *lsp.AdapterConfig) error {
	if err := adapter.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byLanguage[adapter.Language]; ok {
		for _, ext := range prev.Extensions {
			if r.byExt[normalizeExt(ext)] == adapter.Language {
				delete(r.byExt, normalizeExt(ext))
			}
		}
	}
	r.byLanguage[adapter.Language] = adapter
	for _, ext := range adapter.Extensions {
		r.byExt[normalizeExt(ext)] = adapter.Language
	}
	return nil
}

// Adapter returns the adapter for a language. It implements lsp.AdapterSource.
func (r *Registry) Adapter(language string) (*lsp.AdapterConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byLanguage[language]
	if !ok {
		return nil, fmt.Errorf("%w: %s", lsp.ErrUnsupportedLanguage, language)
	}
	return a, nil
}

// Get returns the adapter for a language and whether it exists.
func (r *Registry) Get(language string) (*lsp.AdapterConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byLanguage[language]
	return a, ok
}

// ForFile returns the adapter that handles path, by extension.
func (r *Registry) ForFile(path string) (*lsp.AdapterConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lang, ok := r.byExt[normalizeExt(filepath.Ext(path))]
	if !ok {
		return nil, false
	}
	a, ok := r.byLanguage[lang]
	return a, ok
}

// Languages returns the registered languages, sorted.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	langs := make([]string, 0, len(r.byLanguage))
	for lang := range r.byLanguage {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}

// Extensions returns every mapped file extension, sorted.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exts := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func command(argv ...string) func(string) (lsp.LaunchSpec, error) {
	return func(string) (lsp.LaunchSpec, error) {
		return lsp.LaunchSpec{Argv: append([]string(nil), argv...)}, nil
	}
}
