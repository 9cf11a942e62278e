// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

// Command cask is the archive ingestion CLI: it unpacks nested
// archives into per-workspace content-addressed storage and answers
// queries against the resulting catalog.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cask-foundation/cask/cmd/cask/cli"
	"github.com/cask-foundation/cask/cmd/cask/commands"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cask: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := cli.NewCommandLogger(cli.ParseLevel(os.Getenv("CASK_LOG_LEVEL")))
	return commands.Root().Execute(ctx, os.Args[1:], logger)
}
