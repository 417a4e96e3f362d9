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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/mod/modfile"

	"github.com/AleutianAI/lspbridge/services/lspbridge/lsp"
)

// goplsContextEnv are the environment variables that change how gopls
// resolves symbols without changing any file content.
var goplsContextEnv = []string{"GOFLAGS", "GOOS", "GOARCH", "CGO_ENABLED"}

// Gopls returns the Go adapter. settings are sent as initializationOptions
// and answered for the "gopls" workspace/configuration section.
func Gopls(settings map[string]any) *lsp.AdapterConfig {
	if len(settings) == 0 {
		settings = nil
	}
	a := &lsp.AdapterConfig{
		Language:             "go",
		ServerName:           "gopls",
		LanguageID:           "go",
		Extensions:           []string{".go"},
		Remediation:          "go install golang.org/x/tools/gopls@latest",
		BuildLaunchCommand:   command("gopls", "serve"),
		RequiredCapabilities: []lsp.Capability{lsp.CapDocumentSymbol, lsp.CapDefinition},
		IgnoredDirnames:      []string{"vendor", "node_modules", "dist", "build"},
		RequestTimeout:       30 * time.Second,
		ShutdownGrace:        5 * time.Second,
		ClassifyStderr:       goplsStderrLevel,
	}
	a.CacheContextFingerprint = func(rootPath string) string {
		return GoplsFingerprint(settings, os.Getenv, ModuleGoVersion(rootPath))
	}
	if settings != nil {
		a.InitializationOptions = settings
		a.RegisterHandlers = func(r *lsp.Router) error {
			return r.RegisterRequest("workspace/configuration", lsp.ConfigurationHandler(map[string]any{"gopls": settings}))
		}
	}
	return a
}

// GoplsFingerprint hashes the gopls settings, the build-context environment
// and the module's Go version into a 16 hex character key. It returns ""
// when none of them is set.
func GoplsFingerprint(settings map[string]any, getenv func(string) string, goVersion string) string {
	env := make(map[string]string)
	for _, key := range goplsContextEnv {
		if v := getenv(key); v != "" {
			env[key] = v
		}
	}
	if len(settings) == 0 && len(env) == 0 && goVersion == "" {
		return ""
	}

	data := map[string]any{"env": env}
	if len(settings) > 0 {
		data["gopls_settings"] = settings
	}
	if goVersion != "" {
		data["go_version"] = goVersion
	}
	// encoding/json sorts map keys, which makes the encoding canonical.
	canonical, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16]
}

// ModuleGoVersion returns the go and toolchain directives of rootPath/go.mod
// (e.g. "1.22.0" or "1.22.0+go1.23.4"), or "" without a readable go.mod.
func ModuleGoVersion(rootPath string) string {
	if rootPath == "" {
		return ""
	}
	gomod := filepath.Join(rootPath, "go.mod")
	data, err := os.ReadFile(gomod)
	if err != nil {
		return ""
	}
	f, err := modfile.ParseLax(gomod, data, nil)
	if err != nil || f.Go == nil {
		return ""
	}
	version := f.Go.Version
	if f.Toolchain != nil {
		version += "+" + f.Toolchain.Name
	}
	return version
}

// goplsStderrLevel demotes gopls file discovery chatter that mentions errors.
func goplsStderrLevel(line string) slog.Level {
	lower := strings.ToLower(line)
	for _, marker := range []string{"discover.go:", "walker.go:", "walking of {file://", "bus: -> discover"} {
		if strings.Contains(lower, marker) {
			return slog.LevelDebug
		}
	}
	return lsp.DefaultStderrLevel(line)
}
