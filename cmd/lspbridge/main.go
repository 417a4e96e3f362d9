// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command lspbridge drives language servers from the command line.
//
// It starts the server for a file's language, waits for it to be ready and
// prints the answer as JSON.
//
// Usage:
//
//	lspbridge symbols services/api/server.go
//	lspbridge tree services/api
//	lspbridge refs main.go 12 6
//	lspbridge rename main.go 12 6 NewName          # prints a diff
//	lspbridge rename main.go 12 6 NewName --apply  # writes the files
//	lspbridge workspace-symbols Handler --language go
//
// Lines and columns are 1-based, columns counted in UTF-16 code units.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
