// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

// Command cask-ingest-service exposes the ingestion engine over a
// local HTTP JSON API. Submissions for the same (workspace, archive)
// pair coalesce onto one run, and total concurrency is bounded by the
// policy's admission limit.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cask-foundation/cask/cmd/cask/cli"
	"github.com/cask-foundation/cask/lib/cas"
	"github.com/cask-foundation/cask/lib/dispatch"
	"github.com/cask-foundation/cask/lib/event"
	"github.com/cask-foundation/cask/lib/ingest"
	"github.com/cask-foundation/cask/lib/policy"
	"github.com/cask-foundation/cask/lib/workspace"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cask-ingest-service: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		rootDir     string
		policyPath  string
		listenAddr  string
		compression string
	)
	flag.StringVar(&rootDir, "root", "", "workspace store root (default $CASK_ROOT)")
	flag.StringVar(&policyPath, "policy", "", "policy file (YAML or JSONC)")
	flag.StringVar(&listenAddr, "listen", "", "listen address (default $CASK_LISTEN or 127.0.0.1:9330)")
	flag.StringVar(&compression, "compression", "auto", "at-rest object compression: none, zstd, lz4, auto")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := cli.NewCommandLogger(cli.ParseLevel(os.Getenv("CASK_LOG_LEVEL")))

	pol := policy.Default()
	if policyPath != "" {
		loaded, err := policy.Load(policyPath)
		if err != nil {
			return err
		}
		pol = loaded
	}

	// Local-only by default. External access goes through a reverse
	// proxy that owns authentication.
	if listenAddr == "" {
		listenAddr = os.Getenv("CASK_LISTEN")
	}
	if listenAddr == "" {
		listenAddr = "127.0.0.1:9330"
	}

	resolved, err := cli.DataRoot(rootDir)
	if err != nil {
		return err
	}
	tag, err := cas.ParseCompression(compression)
	if err != nil {
		return err
	}
	manager, err := workspace.NewManager(resolved, tag, logger)
	if err != nil {
		return err
	}

	engine := ingest.NewEngine(nil, pol, event.NewLogSink(logger), nil, logger)
	dispatcher := dispatch.New(engine, manager, pol.ConcurrentIngestions(), logger)

	api := &apiServer{
		dispatcher: dispatcher,
		manager:    manager,
		logger:     logger,
	}

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", listenAddr, err)
	}
	httpServer := &http.Server{
		Handler:           api.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	httpDone := make(chan error, 1)
	go func() {
		httpDone <- httpServer.Serve(listener)
	}()

	logger.Info("ingest service running",
		"address", listener.Addr().String(),
		"root", resolved,
		"max_concurrent", pol.ConcurrentIngestions(),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	// In-flight requests get a grace period; running ingestions are
	// cancelled by their detached contexts only via the cancel API,
	// so drain stops accepting and lets the handlers return.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := <-httpDone; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
