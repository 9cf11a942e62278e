// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch schedules ingestion runs. It contributes three
// behaviors on top of the engine:
//
//   - Coalescing: two submissions for the same (workspace, locator)
//     share one run instead of racing each other over the same
//     catalog rows.
//   - Admission: a counting gate bounds how many runs execute at
//     once; everything else queues.
//   - Containment: a panicking run is converted into an error result
//     with the panic recorded, never a crashed process.
//
// Runs are detached from their submitter: closing the submitting
// connection does not abort the work. Cancellation is explicit.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"

	"github.com/cask-foundation/cask/lib/ingest"
	"github.com/cask-foundation/cask/lib/workspace"
)

type runKey struct {
	workspaceID string
	locator     string
}

// Status is where a run currently is.
type Status int

const (
	StatusQueued Status = iota
	StatusRunning
	StatusDone
)

var statusNames = [...]string{
	StatusQueued:  "queued",
	StatusRunning: "running",
	StatusDone:    "done",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

// Run is a handle on one scheduled ingestion. Multiple submitters may
// hold the same handle when their requests coalesced.
type Run struct {
	WorkspaceID string
	Locator     string

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
	result *ingest.Result
	err    error
}

// Status returns where the run currently is.
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Wait blocks until the run finishes or ctx expires. The run itself
// keeps going when the waiter gives up.
func (r *Run) Wait(ctx context.Context) (*ingest.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}

// Cancel requests cooperative cancellation of the run.
func (r *Run) Cancel() { r.cancel() }

func (r *Run) finish(result *ingest.Result, err error) {
	r.mu.Lock()
	r.status = StatusDone
	r.result = result
	r.err = err
	r.mu.Unlock()
	close(r.done)
}

// Ingestor runs one ingestion against an open workspace. Satisfied by
// *ingest.Engine.
type Ingestor interface {
	Ingest(ctx context.Context, ws *workspace.Workspace, req ingest.Request) (*ingest.Result, error)
}

// Dispatcher owns the run table and the admission gate.
type Dispatcher struct {
	engine  Ingestor
	manager *workspace.Manager
	gate    chan struct{}
	logger  *slog.Logger

	mu     sync.Mutex
	active map[runKey]*Run
}

// New creates a dispatcher admitting at most maxConcurrent runs at
// once. A nil logger discards.
func New(engine Ingestor, manager *workspace.Manager, maxConcurrent int, logger *slog.Logger) *Dispatcher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{
		engine:  engine,
		manager: manager,
		gate:    make(chan struct{}, maxConcurrent),
		logger:  logger,
		active:  map[runKey]*Run{},
	}
}

// Submit schedules a request. When an identical request is already in
// flight the existing run is returned and coalesced is true; the new
// submission performs no work of its own.
func (d *Dispatcher) Submit(req ingest.Request) (run *Run, coalesced bool) {
	key := runKey{workspaceID: req.WorkspaceID, locator: req.Locator}

	d.mu.Lock()
	if existing, ok := d.active[key]; ok {
		d.mu.Unlock()
		return existing, true
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run = &Run{
		WorkspaceID: req.WorkspaceID,
		Locator:     req.Locator,
		cancel:      cancel,
		done:        make(chan struct{}),
		status:      StatusQueued,
	}
	d.active[key] = run
	d.mu.Unlock()

	go d.execute(runCtx, run, req)
	return run, false
}

// Cancel requests cancellation of the in-flight run for a key.
// Reports whether such a run existed.
func (d *Dispatcher) Cancel(workspaceID, locator string) bool {
	d.mu.Lock()
	run, ok := d.active[runKey{workspaceID: workspaceID, locator: locator}]
	d.mu.Unlock()
	if ok {
		run.Cancel()
	}
	return ok
}

// Active returns handles for every queued or running ingestion.
func (d *Dispatcher) Active() []*Run {
	d.mu.Lock()
	defer d.mu.Unlock()
	runs := make([]*Run, 0, len(d.active))
	for _, run := range d.active {
		runs = append(runs, run)
	}
	return runs
}

func (d *Dispatcher) execute(ctx context.Context, run *Run, req ingest.Request) {
	defer func() {
		d.mu.Lock()
		delete(d.active, runKey{workspaceID: req.WorkspaceID, locator: req.Locator})
		d.mu.Unlock()
	}()

	// Admission: wait for a slot unless cancelled while queued.
	select {
	case d.gate <- struct{}{}:
	case <-ctx.Done():
		run.finish(nil, ctx.Err())
		return
	}
	defer func() { <-d.gate }()

	run.mu.Lock()
	run.status = StatusRunning
	run.mu.Unlock()

	result, err := d.ingest(ctx, req)
	run.finish(result, err)
}

// ingest opens the workspace and runs the engine with panic
// containment. A panic anywhere below becomes an error result; the
// stack goes to the log, the run table stays consistent, and sibling
// runs are untouched.
func (d *Dispatcher) ingest(ctx context.Context, req ingest.Request) (result *ingest.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("ingestion panicked",
				"workspace", req.WorkspaceID,
				"locator", req.Locator,
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()))
			result = nil
			err = fmt.Errorf("dispatch: ingestion of %s panicked: %v", req.Locator, rec)
		}
	}()

	ws, err := d.manager.Open(req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	defer ws.Close()

	// Size the free-space check on the root archive. A locator that
	// cannot be statted sizes as zero here; the engine classifies the
	// open failure itself.
	if err := d.manager.Preflight(rootArchiveSize(req.Locator)); err != nil {
		return nil, err
	}

	return d.engine.Ingest(ctx, ws, req)
}

// rootArchiveSize returns the on-disk size of the root archive, or
// zero when it cannot be statted. The uncompressed output is at least
// as large as the archive itself, so this is the floor of what the
// run will need.
func rootArchiveSize(locator string) int64 {
	info, err := os.Stat(locator)
	if err != nil || info.IsDir() {
		return 0
	}
	return info.Size()
}
