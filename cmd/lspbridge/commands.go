// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/lspbridge/services/lspbridge/lsp"
	"github.com/AleutianAI/lspbridge/services/lspbridge/symbols"
)

const closeTimeout = 30 * time.Second

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "lspbridge",
		Short: "Query language servers for symbols, references and renames",
		Long: `lspbridge starts the language server for a repository, waits until it has
indexed the workspace and answers symbol queries as JSON.`,
		SilenceUsage: true,
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	flags.StringVar(&opts.root, "root", ".", "repository root")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")

	var apply bool
	renameCmd := &cobra.Command{
		Use:   "rename <file> <line> <col> <new-name>",
		Short: "Rename the symbol at a position; prints a diff unless --apply is set",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, func(ctx context.Context, a *app) error {
				return runRename(ctx, a, cmd.OutOrStdout(), args, apply)
			})
		},
	}
	renameCmd.Flags().BoolVar(&apply, "apply", false, "write the edits to disk")

	var language string
	workspaceCmd := &cobra.Command{
		Use:   "workspace-symbols <query>",
		Short: "Search symbols across the workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, func(ctx context.Context, a *app) error {
				ix, err := a.index(ctx, language)
				if err != nil {
					return err
				}
				matches, err := ix.WorkspaceSymbol(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), matches)
			})
		},
	}
	workspaceCmd.Flags().StringVar(&language, "language", "", "language whose server is queried")
	_ = workspaceCmd.MarkFlagRequired("language")

	var watchLanguage string
	watchCmd := &cobra.Command{
		Use:   "watch [dir]",
		Short: "Index a directory and keep the symbol cache current until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, func(ctx context.Context, a *app) error {
				return runWatch(ctx, a, watchLanguage, args)
			})
		},
	}
	watchCmd.Flags().StringVar(&watchLanguage, "language", "", "language whose server is used")
	_ = watchCmd.MarkFlagRequired("language")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "languages",
			Short: "List the configured languages and their file extensions",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWithApp(cmd, opts, func(ctx context.Context, a *app) error {
					return writeJSON(cmd.OutOrStdout(), languageList(a))
				})
			},
		},
		&cobra.Command{
			Use:   "symbols <file>",
			Short: "Print the symbol tree of a file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWithApp(cmd, opts, func(ctx context.Context, a *app) error {
					ix, rel, err := a.indexForFile(ctx, args[0])
					if err != nil {
						return err
					}
					nodes, err := ix.DocumentSymbols(ctx, rel)
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), nodes)
				})
			},
		},
		newTreeCmd(opts),
		newPositionCmd(opts, "refs", "Print the references to the symbol at a position",
			func(ctx context.Context, ix *symbols.Index, rel string, pos lsp.Position) (any, error) {
				return ix.References(ctx, rel, pos, true)
			}),
		newPositionCmd(opts, "def", "Print the definition of the symbol at a position",
			func(ctx context.Context, ix *symbols.Index, rel string, pos lsp.Position) (any, error) {
				return ix.Definition(ctx, rel, pos)
			}),
		newPositionCmd(opts, "hover", "Print the hover text at a position",
			func(ctx context.Context, ix *symbols.Index, rel string, pos lsp.Position) (any, error) {
				return ix.Hover(ctx, rel, pos)
			}),
		renameCmd,
		workspaceCmd,
		watchCmd,
	)
	return rootCmd
}

func newTreeCmd(opts *globalOptions) *cobra.Command {
	var language string
	cmd := &cobra.Command{
		Use:   "tree [dir]",
		Short: "Print the symbol tree of a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, func(ctx context.Context, a *app) error {
				ix, within, err := a.indexForDir(ctx, language, args)
				if err != nil {
					return err
				}
				tree, err := ix.FullSymbolTree(ctx, within)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), tree)
			})
		},
	}
	cmd.Flags().StringVar(&language, "language", "", "language whose server is used")
	_ = cmd.MarkFlagRequired("language")
	return cmd
}

type positionQuery func(ctx context.Context, ix *symbols.Index, rel string, pos lsp.Position) (any, error)

func newPositionCmd(opts *globalOptions, name, short string, query positionQuery) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <file> <line> <col>",
		Short: short,
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, err := parsePosition(args[1], args[2])
			if err != nil {
				return err
			}
			return runWithApp(cmd, opts, func(ctx context.Context, a *app) error {
				ix, rel, err := a.indexForFile(ctx, args[0])
				if err != nil {
					return err
				}
				result, err := query(ctx, ix, rel, pos)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

// runWithApp builds the app, runs fn and shuts every server down.
func runWithApp(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, *opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			a.logger.Warn("shutdown incomplete", slog.String("error", err.Error()))
		}
	}()
	return fn(ctx, a)
}

func runRename(ctx context.Context, a *app, out io.Writer, args []string, apply bool) error {
	pos, err := parsePosition(args[1], args[2])
	if err != nil {
		return err
	}
	ix, rel, err := a.indexForFile(ctx, args[0])
	if err != nil {
		return err
	}
	edit, err := ix.Rename(ctx, rel, pos, args[3])
	if err != nil {
		return err
	}
	if apply {
		files, err := symbols.ApplyWorkspaceEdit(a.root, edit, false)
		if err != nil {
			return err
		}
		return writeJSON(out, files)
	}
	preview, err := symbols.RenamePreview(a.root, edit)
	if err != nil {
		return err
	}
	_, err = io.WriteString(out, preview)
	return err
}

func runWatch(ctx context.Context, a *app, language string, args []string) error {
	ix, within, err := a.indexForDir(ctx, language, args)
	if err != nil {
		return err
	}
	start := time.Now()
	if _, err := ix.FullSymbolTree(ctx, within); err != nil {
		return err
	}
	a.logger.Info("symbol cache warm", slog.String("language", language), slog.Duration("elapsed", time.Since(start)))

	if !a.cfg.Watch.Enabled {
		w, err := ix.Watch(ctx, a.cfg.Watch.Debounce)
		if err != nil {
			return err
		}
		defer w.Stop()
	}
	<-ctx.Done()
	return nil
}

// indexForDir returns the index for language and the optional directory
// argument relative to the root.
func (a *app) indexForDir(ctx context.Context, language string, args []string) (*symbols.Index, string, error) {
	within := ""
	if len(args) == 1 {
		rel, err := a.relPath(args[0])
		if err != nil {
			return nil, "", err
		}
		if rel != "." {
			within = rel
		}
	}
	ix, err := a.index(ctx, language)
	if err != nil {
		return nil, "", err
	}
	return ix, within, nil
}

type languageInfo struct {
	Language   string   `json:"language"`
	Server     string   `json:"server"`
	Extensions []string `json:"extensions"`
}

func languageList(a *app) []languageInfo {
	var out []languageInfo
	for _, lang := range a.registry.Languages() {
		adapter, ok := a.registry.Get(lang)
		if !ok {
			continue
		}
		out = append(out, languageInfo{
			Language:   lang,
			Server:     adapter.ServerName,
			Extensions: adapter.Extensions,
		})
	}
	return out
}

// parsePosition converts 1-based command line coordinates to an LSP position.
func parsePosition(lineArg, colArg string) (lsp.Position, error) {
	line, err := strconv.Atoi(lineArg)
	if err != nil || line < 1 {
		return lsp.Position{}, fmt.Errorf("invalid line %q: want a number >= 1", lineArg)
	}
	col, err := strconv.Atoi(colArg)
	if err != nil || col < 1 {
		return lsp.Position{}, fmt.Errorf("invalid column %q: want a number >= 1", colArg)
	}
	return lsp.Position{Line: line - 1, Character: col - 1}, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
