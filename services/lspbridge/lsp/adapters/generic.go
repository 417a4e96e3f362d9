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
	"errors"
	"time"

	"github.com/AleutianAI/lspbridge/services/lspbridge/lsp"
)

// Overrides customizes an adapter from configuration. Zero fields leave the
// base adapter's value in place.
type Overrides struct {
	Command               string
	Args                  []string
	Env                   map[string]string
	Extensions            []string
	LanguageID            string
	InitializationOptions map[string]any
	IgnoredDirnames       []string
	RequestTimeout        time.Duration
	ReadinessTimeout      time.Duration
	SettleTime            time.Duration
}

// Apply returns a copy of base with o applied. Ignored dirnames are added
// to the base list, never replacing it.
func (o Overrides) Apply(base *lsp.AdapterConfig) *lsp.AdapterConfig {
	a := *base
	if o.Command != "" {
		argv := append([]string{o.Command}, o.Args...)
		a.BuildLaunchCommand = command(argv...)
	}
	if len(o.Env) > 0 {
		inner := a.BuildLaunchCommand
		env := o.Env
		a.BuildLaunchCommand = func(root string) (lsp.LaunchSpec, error) {
			spec, err := inner(root)
			if err != nil {
				return spec, err
			}
			merged := make(map[string]string, len(spec.Env)+len(env))
			for k, v := range spec.Env {
				merged[k] = v
			}
			for k, v := range env {
				merged[k] = v
			}
			spec.Env = merged
			return spec, nil
		}
	}
	if len(o.Extensions) > 0 {
		a.Extensions = append([]string(nil), o.Extensions...)
	}
	if o.LanguageID != "" {
		a.LanguageID = o.LanguageID
	}
	if o.InitializationOptions != nil {
		a.InitializationOptions = o.InitializationOptions
	}
	if len(o.IgnoredDirnames) > 0 {
		a.IgnoredDirnames = append(append([]string(nil), base.IgnoredDirnames...), o.IgnoredDirnames...)
	}
	if o.RequestTimeout > 0 {
		a.RequestTimeout = o.RequestTimeout
	}
	if o.SettleTime > 0 {
		a.CrossFileReferenceSettleTime = o.SettleTime
	}
	if o.ReadinessTimeout > 0 {
		inner := base.Readiness
		timeout := o.ReadinessTimeout
		a.Readiness = func() lsp.ReadinessStrategy {
			if inner == nil {
				return lsp.ServerStatusQuiescent(timeout)
			}
			return lsp.FirstOf(timeout, inner())
		}
	}
	return &a
}

// Generic builds an adapter for a server that has no built-in adapter.
//
// Description:
//
//	The server is started with o.Command and o.Args. Without a readiness
//	timeout the session is ready as soon as initialized is sent; with one,
//	the session waits for a quiescent experimental/serverStatus up to the
//	timeout.
//
// Inputs:
//
//	language - The language name
//	o - Command, extensions and timeouts; Command is required
//
// Outputs:
//
//	*lsp.AdapterConfig - The adapter
//	error - Non-nil if o.Command is empty
func Generic(language string, o Overrides) (*lsp.AdapterConfig, error) {
	if o.Command == "" {
		return nil, errors.New("generic adapter: command is required")
	}
	base := &lsp.AdapterConfig{
		Language:             language,
		ServerName:           o.Command,
		LanguageID:           language,
		RequiredCapabilities: []lsp.Capability{lsp.CapDocumentSymbol},
		RequestTimeout:       lsp.DefaultRequestTimeout,
		ShutdownGrace:        lsp.DefaultShutdownGrace,
	}
	a := o.Apply(base)
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}
