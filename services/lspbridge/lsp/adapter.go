// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Capability is a named assertion over the server's advertised capabilities.
type Capability struct {
	Name  string
	Check func(*ServerCapabilities) bool
}

// Capabilities commonly required by adapters.
var (
	CapDocumentSymbol  = Capability{Name: "documentSymbolProvider", Check: (*ServerCapabilities).HasDocumentSymbolProvider}
	CapReferences      = Capability{Name: "referencesProvider", Check: (*ServerCapabilities).HasReferencesProvider}
	CapDefinition      = Capability{Name: "definitionProvider", Check: (*ServerCapabilities).HasDefinitionProvider}
	CapHover           = Capability{Name: "hoverProvider", Check: (*ServerCapabilities).HasHoverProvider}
	CapRename          = Capability{Name: "renameProvider", Check: (*ServerCapabilities).HasRenameProvider}
	CapWorkspaceSymbol = Capability{Name: "workspaceSymbolProvider", Check: (*ServerCapabilities).HasWorkspaceSymbolProvider}
)

// AdapterConfig is everything that differs between language servers.
//
// Description:
//
//	An AdapterConfig is immutable once a session is constructed with it.
//	Function fields may be nil; the engine then uses the defaults
//	documented on each field.
type AdapterConfig struct {
	// Language is the identifier callers use (e.g., "go", "python").
	Language string

	// ServerName is the human-readable server name (e.g., "gopls").
	ServerName string

	// LanguageID is the LSP languageId sent in didOpen.
	LanguageID string

	// LanguageIDs overrides LanguageID per file extension (".tsx" → "typescriptreact").
	LanguageIDs map[string]string

	// Extensions lists the file extensions the server handles, with dots.
	Extensions []string

	// Remediation tells users how to install a missing server.
	Remediation string

	// BuildLaunchCommand returns the command line for rootPath. Required.
	BuildLaunchCommand func(rootPath string) (LaunchSpec, error)

	// BuildInitializeParams returns the initialize params. Nil uses
	// DefaultInitializeParams with InitializationOptions.
	BuildInitializeParams func(rootPath string) (any, error)

	// InitializationOptions is sent by the default params builder.
	InitializationOptions any

	// RegisterHandlers adds adapter handlers after the defaults are installed.
	RegisterHandlers func(r *Router) error

	// Readiness returns a fresh strategy per session. Nil means Immediate.
	Readiness func() ReadinessStrategy

	// RequiredCapabilities must all be advertised or the session fails.
	RequiredCapabilities []Capability

	// IgnoredDirnames is the adapter deny-list of directory names.
	IgnoredDirnames []string

	// IsIgnoredDirname and IsIgnoredPath add predicates beyond IgnoredDirnames.
	IsIgnoredDirname func(name string) bool
	IsIgnoredPath    func(relPath string) bool

	// RequestTimeout is the default per-call timeout.
	RequestTimeout time.Duration

	// MethodTimeouts overrides RequestTimeout per method.
	MethodTimeouts map[string]time.Duration

	// StartupTimeout bounds the initialize request.
	StartupTimeout time.Duration

	// ShutdownGrace bounds the shutdown handshake and the kill grace period.
	ShutdownGrace time.Duration

	// CrossFileReferenceSettleTime is waited after readiness before
	// cross-file queries are trusted.
	CrossFileReferenceSettleTime time.Duration

	// CacheContextFingerprint captures state that changes symbol resolution
	// without changing file content. "" means no context.
	CacheContextFingerprint func(rootPath string) string

	// ClassifyStderr maps a stderr line to a log level.
	ClassifyStderr func(line string) slog.Level

	// PreferDefinition narrows multiple definition results.
	PreferDefinition func(locs []Location) []Location
}

// Validate checks the fields the engine cannot default.
func (a *AdapterConfig) Validate() error {
	if a == nil {
		return errors.New("adapter config is nil")
	}
	if a.Language == "" {
		return errors.New("adapter config: language is required")
	}
	if a.BuildLaunchCommand == nil {
		return errors.New("adapter config: BuildLaunchCommand is required")
	}
	return nil
}

// LanguageIDFor returns the languageId for a file path.
func (a *AdapterConfig) LanguageIDFor(path string) string {
	if id, ok := a.LanguageIDs[strings.ToLower(filepath.Ext(path))]; ok {
		return id
	}
	if a.LanguageID != "" {
		return a.LanguageID
	}
	return a.Language
}

// HandlesFile reports whether the server handles path by extension.
// An adapter without extensions handles every file.
func (a *AdapterConfig) HandlesFile(path string) bool {
	if len(a.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range a.Extensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

// IgnoresDirname reports whether the adapter deny-list covers name.
func (a *AdapterConfig) IgnoresDirname(name string) bool {
	for _, d := range a.IgnoredDirnames {
		if d == name {
			return true
		}
	}
	return a.IsIgnoredDirname != nil && a.IsIgnoredDirname(name)
}

// IgnoresPath reports whether the adapter path predicate covers relPath.
func (a *AdapterConfig) IgnoresPath(relPath string) bool {
	return a.IsIgnoredPath != nil && a.IsIgnoredPath(filepath.ToSlash(relPath))
}

// Fingerprint returns the cache context fingerprint for rootPath.
func (a *AdapterConfig) Fingerprint(rootPath string) string {
	if a.CacheContextFingerprint == nil {
		return ""
	}
	return a.CacheContextFingerprint(rootPath)
}

func (a *AdapterConfig) readiness() ReadinessStrategy {
	if a.Readiness == nil {
		return Immediate()
	}
	if s := a.Readiness(); s != nil {
		return s
	}
	return Immediate()
}

func (a *AdapterConfig) initializeParams(rootPath string) (any, error) {
	if a.BuildInitializeParams != nil {
		return a.BuildInitializeParams(rootPath)
	}
	return DefaultInitializeParams(rootPath, a.InitializationOptions), nil
}

func (a *AdapterConfig) stderrLevel(line string) slog.Level {
	if a.ClassifyStderr != nil {
		return a.ClassifyStderr(line)
	}
	return DefaultStderrLevel(line)
}

// DefaultStderrLevel treats lines mentioning errors as warnings and
// everything else as debug output.
func DefaultStderrLevel(line string) slog.Level {
	lower := strings.ToLower(line)
	for _, marker := range []string{"error", "exception", "panic", "fatal", "traceback"} {
		if strings.Contains(lower, marker) {
			return slog.LevelWarn
		}
	}
	return slog.LevelDebug
}

// AdapterSource resolves adapters by language. adapters.Registry implements it.
type AdapterSource interface {
	Adapter(language string) (*AdapterConfig, error)
}

// DefaultInitializeParams builds initialize params advertising what this
// client consumes: symbols, references, definitions, hovers and renames.
func DefaultInitializeParams(rootPath string, initOptions any) *InitializeParams {
	rootURI := PathToURI(rootPath)
	return &InitializeParams{
		ProcessID:  os.Getpid(),
		ClientInfo: &ClientInfo{Name: "lspbridge"},
		RootURI:    rootURI,
		RootPath:   rootPath,
		Capabilities: ClientCapabilities{
			TextDocument: TextDocumentClientCapabilities{
				Synchronization: &TextDocumentSyncClientCapabilities{DidSave: true},
				Definition:      &DefinitionCapabilities{LinkSupport: true},
				References:      &DynamicRegistrationCapability{},
				Hover: &HoverCapabilities{
					ContentFormat: []string{"markdown", "plaintext"},
				},
				Rename:         &RenameCapabilities{PrepareSupport: true},
				DocumentSymbol: &DocumentSymbolCapabilities{HierarchicalDocumentSymbolSupport: true},
			},
			Workspace: WorkspaceClientCapabilities{
				WorkspaceEdit:         &WorkspaceEditClientCapabilities{DocumentChanges: true},
				Symbol:                &DynamicRegistrationCapability{DynamicRegistration: true},
				ExecuteCommand:        &DynamicRegistrationCapability{DynamicRegistration: true},
				DidChangeWatchedFiles: &DynamicRegistrationCapability{DynamicRegistration: true},
				Configuration:         true,
				WorkspaceFolders:      true,
			},
			Window: &WindowClientCapabilities{WorkDoneProgress: true},
		},
		InitializationOptions: initOptions,
		WorkspaceFolders: []WorkspaceFolder{
			{URI: rootURI, Name: filepath.Base(rootPath)},
		},
	}
}
