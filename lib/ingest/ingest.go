// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

// Package ingest walks archives into a workspace: every regular file
// found at any nesting level is stored in the workspace's
// content-addressed store and indexed in its catalog.
//
// Traversal uses an explicit frame stack, never the call stack, so
// the nesting ceiling is a policy number rather than a runtime limit.
// Container decoding is sequential (tar allows nothing else); the
// expensive half of each entry, hashing and storing, fans out to a
// bounded worker group so siblings make progress together. One bad
// entry is that entry's problem: it is recorded and its siblings
// continue. Only zip-bomb verdicts, disk exhaustion, and cancellation
// stop a run.
//
// Runs are resumable. Progress checkpoints are advisory; on a re-run
// every entry is re-hashed and compared against the catalog, and only
// entries whose content already matches are skipped. Offsets are
// never trusted.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cask-foundation/cask/lib/bombcheck"
	"github.com/cask-foundation/cask/lib/catalog"
	"github.com/cask-foundation/cask/lib/clock"
	"github.com/cask-foundation/cask/lib/event"
	"github.com/cask-foundation/cask/lib/policy"
	"github.com/cask-foundation/cask/lib/progress"
	"github.com/cask-foundation/cask/lib/unpack"
	"github.com/cask-foundation/cask/lib/vpath"
	"github.com/cask-foundation/cask/lib/workspace"
)

// State is the terminal state of a run.
type State int

const (
	StateCompleted State = iota
	StateHalted
	StateCancelled
)

var stateNames = [...]string{
	StateCompleted: "completed",
	StateHalted:    "halted",
	StateCancelled: "cancelled",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Request describes one ingestion.
type Request struct {
	WorkspaceID string

	// Locator is the filesystem path of the root archive.
	Locator string

	// MaxDepth overrides the policy's nesting ceiling for this run.
	// Zero means use the policy value; out-of-range values clamp.
	MaxDepth int
}

// Result summarizes a finished run.
type Result struct {
	State    State
	Metrics  progress.Metrics
	Problems []event.Problem

	// MaxDepthReached is the deepest nesting level any entry was seen
	// at. Entries of the root archive are depth 1; zero means the root
	// was empty.
	MaxDepthReached int

	Duration time.Duration
}

// Engine runs ingestions. Safe for concurrent use; each run carries
// its own state.
type Engine struct {
	registry *unpack.Registry
	policy   policy.Policy
	sink     event.Sink
	clk      clock.Clock
	logger   *slog.Logger
}

// NewEngine creates an engine. A nil registry gets the built-in
// formats, a nil sink discards, a nil clock uses real time, a nil
// logger discards.
func NewEngine(registry *unpack.Registry, pol policy.Policy, sink event.Sink, clk clock.Clock, logger *slog.Logger) *Engine {
	if registry == nil {
		registry = unpack.DefaultRegistry()
	}
	if sink == nil {
		sink = event.Discard
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{registry: registry, policy: pol, sink: sink, clk: clk, logger: logger}
}

// Ingest runs one request against an open workspace. I/O failures on
// the root locator return an error; everything the run survives long
// enough to classify lands in the Result instead.
func (e *Engine) Ingest(ctx context.Context, ws *workspace.Workspace, req Request) (*Result, error) {
	start := e.clk.Now()

	file, err := os.Open(req.Locator)
	if err != nil {
		return nil, fmt.Errorf("ingest: opening %s: %w", req.Locator, err)
	}
	defer file.Close()
	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("ingest: stat %s: %w", req.Locator, err)
	}

	// The baseline read survives an already-cancelled context; the
	// cancellation is honored as a clean Result, not an I/O error.
	stats, err := ws.Catalog.WorkspaceStats(context.WithoutCancel(ctx), ws.ID)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{
		engine:   e,
		ws:       ws,
		req:      req,
		ctx:      runCtx,
		cancel:   cancel,
		maxDepth: e.policy.ClampDepth(req.MaxDepth),
		limits: bombcheck.Limits{
			RatioThreshold:     e.policy.RatioThreshold,
			RiskScoreThreshold: e.policy.RiskScoreThreshold,
			MaxArchiveBytes:    e.policy.MaxArchiveBytes,
			MaxWorkspaceBytes:  e.policy.MaxWorkspaceBytes,
		},
		workspaceBytes: stats.TotalBytes,
		collisions:     vpath.NewCollisions(),
		tracker: progress.NewTracker(ws.ID, req.Locator, e.sink, e.clk, progress.Cadence{
			Interval: e.policy.ProgressInterval.Std(),
			Every:    e.policy.ProgressEvery,
			Bytes:    e.policy.ProgressBytes,
		}),
		checkpoints: progress.NewCheckpointWriter(ws.Catalog, ws.ID, req.Locator, e.clk, progress.Cadence{
			Interval: e.policy.CheckpointInterval.Std(),
			Every:    e.policy.CheckpointEvery,
			Bytes:    e.policy.CheckpointBytes,
		}),
		jobs: make(chan storeJob),
	}

	state := r.execute(file, stat.Size())

	result := &Result{
		State:           state,
		Metrics:         r.tracker.Metrics(),
		Problems:        r.problems,
		MaxDepthReached: r.maxSeenDepth,
		Duration:        e.clk.Now().Sub(start),
	}

	// Completed runs clear their checkpoint; interrupted ones keep it
	// for the next attempt.
	finalCtx := context.WithoutCancel(ctx)
	if state == StateCompleted {
		if err := r.checkpoints.Clear(finalCtx); err != nil {
			e.logger.Warn("clearing checkpoint", "locator", req.Locator, "error", err)
		}
	} else {
		if err := r.checkpoints.Write(finalCtx, r.entryIndex, r.tracker.Metrics()); err != nil {
			e.logger.Warn("writing final checkpoint", "locator", req.Locator, "error", err)
		}
	}

	r.tracker.Flush()
	e.sink.Complete(event.Completion{
		WorkspaceID:     ws.ID,
		ArchiveLocator:  req.Locator,
		State:           state.String(),
		EntriesIngested: result.Metrics.EntriesIngested,
		EntriesSkipped:  result.Metrics.EntriesSkipped,
		BytesIngested:   result.Metrics.BytesIngested,
		Problems:        result.Problems,
		Duration:        result.Duration,
	})
	return result, nil
}

// run is the per-ingestion state. The traversal loop is a single
// goroutine; store workers touch only the mutex- or pool-guarded
// pieces (tracker, checkpoints, problems, catalog, store).
type run struct {
	engine *Engine
	ws     *workspace.Workspace
	req    Request
	ctx    context.Context
	cancel context.CancelFunc

	maxDepth int
	limits   bombcheck.Limits

	tracker     *progress.Tracker
	checkpoints *progress.CheckpointWriter
	collisions  *vpath.Collisions

	// Byte accounting for the ceilings, traversal goroutine only.
	archiveBytes   int64
	workspaceBytes int64
	entryIndex     int64
	maxSeenDepth   int

	jobs chan storeJob
	wg   sync.WaitGroup

	mu       sync.Mutex
	problems []event.Problem
	fatal    *event.Problem
}

// frame is one open container on the explicit traversal stack.
type frame struct {
	reader unpack.Reader
	// backing holds the spooled container bytes for nested frames;
	// nil for the root, whose file outlives the run.
	backing *spool

	archiveID int64
	virtual   string

	// entryDepth is the depth level of entries inside this
	// container. Entries of the root archive are depth 1.
	entryDepth int

	compressedSize int64
	uncompressed   int64
	flagged        bool
}

func (r *run) execute(rootFile *os.File, rootSize int64) State {
	if r.ctx.Err() != nil {
		r.recordFatal(event.Problem{
			Kind:   event.KindCancellationRequested,
			Detail: "run cancelled",
		})
		close(r.jobs)
		return StateCancelled
	}

	rootName := filepath.Base(r.req.Locator)
	kind, reader, err := r.engine.registry.Open(rootName, rootFile, rootSize)
	if err != nil {
		r.record(event.Problem{
			Kind:        classifyOpenError(err),
			VirtualPath: rootName,
			Detail:      err.Error(),
		})
		return StateHalted
	}

	rootID, err := r.ws.Catalog.InsertArchive(r.ctx, catalog.ArchiveRecord{
		WorkspaceID: r.ws.ID,
		VirtualPath: rootName,
		ArchiveKind: kind,
	})
	if err != nil {
		reader.Close()
		r.record(event.Problem{Kind: event.KindInternal, VirtualPath: rootName, Detail: err.Error()})
		return StateHalted
	}

	for i := 0; i < r.engine.policy.SiblingStreams; i++ {
		r.wg.Add(1)
		go r.storeWorker()
	}

	stack := []*frame{{
		reader:         reader,
		archiveID:      rootID,
		virtual:        rootName,
		entryDepth:     1,
		compressedSize: rootSize,
	}}

	interrupted := r.traverse(&stack)

	// Unwind whatever the interruption left open.
	for _, f := range stack {
		f.reader.Close()
		if f.backing != nil {
			f.backing.Close()
		}
	}
	close(r.jobs)
	r.wg.Wait()

	switch {
	case r.fatalKind() == event.KindCancellationRequested || (interrupted && r.ctx.Err() != nil && r.fatal == nil):
		return StateCancelled
	case r.fatal != nil:
		return StateHalted
	default:
		return StateCompleted
	}
}

// traverse drains the frame stack. Returns true when the run was cut
// short by cancellation or a fatal problem.
func (r *run) traverse(stack *[]*frame) bool {
	for len(*stack) > 0 {
		if r.ctx.Err() != nil {
			if r.fatal == nil {
				r.recordFatal(event.Problem{
					Kind:   event.KindCancellationRequested,
					Detail: "run cancelled",
				})
			}
			return true
		}

		f := (*stack)[len(*stack)-1]
		entry, err := f.reader.Next()
		if errors.Is(err, io.EOF) {
			f.reader.Close()
			if f.backing != nil {
				f.backing.Close()
			}
			*stack = (*stack)[:len(*stack)-1]
			continue
		}
		if err != nil {
			// The container is unreadable from here on; its parent
			// and siblings already on the stack are unaffected.
			r.record(event.Problem{
				Kind:        event.KindCorruptedArchive,
				VirtualPath: f.virtual,
				Detail:      err.Error(),
			})
			f.reader.Close()
			if f.backing != nil {
				f.backing.Close()
			}
			*stack = (*stack)[:len(*stack)-1]
			continue
		}

		if halted := r.processEntry(f, stack, entry); halted {
			return true
		}
	}
	return false
}

func (r *run) processEntry(f *frame, stack *[]*frame, entry *unpack.Entry) bool {
	r.entryIndex++
	index := r.entryIndex

	if entry.IsDir {
		return false
	}

	name, err := vpath.Normalize(entry.Name)
	if err != nil {
		r.record(event.Problem{
			Kind:        event.KindCorruptedArchive,
			VirtualPath: vpath.Join(f.virtual, entry.Name),
			Detail:      err.Error(),
		})
		r.tracker.Skipped()
		return false
	}
	virtual := r.collisions.Claim(vpath.Join(f.virtual, name))
	if f.entryDepth > r.maxSeenDepth {
		r.maxSeenDepth = f.entryDepth
	}
	r.tracker.Seen(virtual, f.entryDepth, containerChain(stack))

	// The container header may already prove this entry busts a
	// limit. Checked before a single byte is decoded. Formats that
	// record a per-member stored size (zip) are scored on the member's
	// own ratio first; tar reports SizeUnknown and is covered by the
	// frame-level aggregate below.
	if entry.Size > 0 {
		if entry.CompressedSize >= 0 {
			verdict := r.evaluateEntry(f, entry.CompressedSize, entry.Size)
			if r.applyVerdict(f, virtual, verdict, index) {
				return true
			}
		}
		verdict := r.evaluate(f, f.uncompressed+entry.Size, entry.Size)
		if r.applyVerdict(f, virtual, verdict, index) {
			return true
		}
	}

	buffered, ok := r.bufferEntry(f, virtual, entry)
	if buffered == nil {
		return !ok
	}

	// Actual size is now exact; the store has still seen nothing.
	size := buffered.Size()
	f.uncompressed += size
	r.archiveBytes += size
	r.workspaceBytes += size
	if entry.CompressedSize >= 0 && size > 0 {
		verdict := r.evaluateEntry(f, entry.CompressedSize, size)
		if r.applyVerdict(f, virtual, verdict, index) {
			buffered.Close()
			return true
		}
	}
	verdict := r.evaluate(f, f.uncompressed, 0)
	if r.applyVerdict(f, virtual, verdict, index) {
		buffered.Close()
		return true
	}

	header, err := buffered.Prefix(unpack.SniffLen)
	if err != nil {
		r.record(event.Problem{Kind: event.KindInternal, VirtualPath: virtual, Detail: err.Error()})
		buffered.Close()
		return false
	}

	if decoder, derr := r.engine.registry.Detect(name, header); derr == nil {
		if f.entryDepth >= r.maxDepth {
			// Truncated branch: the container is preserved as an
			// opaque object so nothing is lost, and the truncation
			// is visible in the problem list.
			r.record(event.Problem{
				Kind:        event.KindDepthLimitExceeded,
				VirtualPath: virtual,
				Detail:      fmt.Sprintf("nested archive at depth %d exceeds limit %d", f.entryDepth, r.maxDepth),
			})
		} else if r.descend(f, stack, decoder, buffered, name, virtual) {
			// Frame pushed; the spool now belongs to it and the
			// container itself is not stored as a file.
			return false
		}
	}

	r.jobs <- storeJob{
		content:  buffered,
		header:   header,
		virtual:  virtual,
		original: vpath.Base(virtual),
		parentID: f.archiveID,
		depth:    f.entryDepth,
		modTime:  entry.ModTime,
		index:    index,
	}
	return false
}

// bufferEntry decodes one entry into a spool, enforcing the byte
// ceilings while decoding so a lying header cannot fill the disk. A
// nil spool with ok=true means the entry was skipped with a recorded
// problem; ok=false means the run must halt.
func (r *run) bufferEntry(f *frame, virtual string, entry *unpack.Entry) (*spool, bool) {
	rc, err := entry.Open()
	if err != nil {
		r.record(event.Problem{
			Kind:        classifyOpenError(err),
			VirtualPath: virtual,
			Detail:      err.Error(),
		})
		r.tracker.Skipped()
		return nil, true
	}
	defer rc.Close()

	buffered := newSpool(r.ws.Store.TempDir())
	budget := r.byteBudget()
	buf := make([]byte, r.engine.policy.CopyBufferSize)
	var copied int64
	for {
		n, readErr := rc.Read(buf)
		if n > 0 {
			copied += int64(n)
			if budget >= 0 && copied > budget {
				buffered.Close()
				verdict := bombcheck.Verdict{
					Decision: bombcheck.Halt,
					Reason:   "size ceiling exceeded while decoding",
				}
				r.emitFinding(f, virtual, verdict)
				r.recordFatal(event.Problem{
					Kind:        event.KindZipBombDetected,
					VirtualPath: virtual,
					Detail:      verdict.Reason,
				})
				return nil, false
			}
			if _, err := buffered.Write(buf[:n]); err != nil {
				buffered.Close()
				r.record(event.Problem{
					Kind:        classifyIOError(err),
					VirtualPath: virtual,
					Detail:      err.Error(),
				})
				if classifyIOError(err) == event.KindDiskSpaceExhausted {
					r.recordFatal(event.Problem{
						Kind:        event.KindDiskSpaceExhausted,
						VirtualPath: virtual,
						Detail:      err.Error(),
					})
					return nil, false
				}
				r.tracker.Skipped()
				return nil, true
			}
		}
		if readErr == io.EOF {
			return buffered, true
		}
		if readErr != nil {
			buffered.Close()
			r.record(event.Problem{
				Kind:        event.KindCorruptedArchive,
				VirtualPath: virtual,
				Detail:      readErr.Error(),
			})
			r.tracker.Skipped()
			return nil, true
		}
	}
}

// byteBudget returns how many more uncompressed bytes the ceilings
// allow, or -1 for unlimited.
func (r *run) byteBudget() int64 {
	budget := int64(-1)
	if r.limits.MaxArchiveBytes > 0 {
		budget = r.limits.MaxArchiveBytes - r.archiveBytes
	}
	if r.limits.MaxWorkspaceBytes > 0 {
		remaining := r.limits.MaxWorkspaceBytes - r.workspaceBytes
		if budget < 0 || remaining < budget {
			budget = remaining
		}
	}
	return budget
}

// evaluate runs the detector for this frame with a candidate
// uncompressed total. extra is added to the run-wide counters for
// header-declared pre-checks.
func (r *run) evaluate(f *frame, uncompressed, extra int64) bombcheck.Verdict {
	return bombcheck.Evaluate(bombcheck.Metrics{
		CompressedSize:   f.compressedSize,
		UncompressedSize: uncompressed,
		Depth:            f.entryDepth,
		ArchiveBytes:     r.archiveBytes + extra,
		WorkspaceBytes:   r.workspaceBytes + extra,
	}, r.limits)
}

// evaluateEntry scores one member on its own stored and uncompressed
// sizes. This catches a single inflating member that the frame-level
// aggregate would dilute across its well-behaved siblings.
func (r *run) evaluateEntry(f *frame, compressed, uncompressed int64) bombcheck.Verdict {
	return bombcheck.Evaluate(bombcheck.Metrics{
		CompressedSize:   compressed,
		UncompressedSize: uncompressed,
		Depth:            f.entryDepth,
		ArchiveBytes:     r.archiveBytes,
		WorkspaceBytes:   r.workspaceBytes,
	}, r.limits)
}

// containerChain snapshots the virtual paths of the open containers,
// root first.
func containerChain(stack *[]*frame) []string {
	chain := make([]string, len(*stack))
	for i, fr := range *stack {
		chain[i] = fr.virtual
	}
	return chain
}

// applyVerdict reacts to a detector verdict. Returns true when the
// run must halt.
func (r *run) applyVerdict(f *frame, virtual string, verdict bombcheck.Verdict, index int64) bool {
	switch verdict.Decision {
	case bombcheck.Flag:
		if r.engine.policy.HaltOnFlagged {
			r.emitFinding(f, virtual, verdict)
			r.recordFatal(event.Problem{
				Kind:        event.KindZipBombDetected,
				VirtualPath: virtual,
				Detail:      verdict.Reason,
			})
			return true
		}
		if !f.flagged {
			f.flagged = true
			r.emitFinding(f, virtual, verdict)
		}
	case bombcheck.Halt:
		r.emitFinding(f, virtual, verdict)
		r.recordFatal(event.Problem{
			Kind:        event.KindZipBombDetected,
			VirtualPath: virtual,
			Detail:      verdict.Reason,
		})
		return true
	}
	return false
}

func (r *run) emitFinding(f *frame, virtual string, verdict bombcheck.Verdict) {
	r.engine.sink.Security(event.SecurityFinding{
		WorkspaceID:    r.ws.ID,
		ArchiveLocator: r.req.Locator,
		VirtualPath:    virtual,
		Depth:          f.entryDepth,
		Verdict:        verdict,
	})
}

// descend opens a nested container and pushes its frame. Returns
// false (caller stores the entry as an opaque file) when the decoder
// rejects content its magic claimed.
func (r *run) descend(f *frame, stack *[]*frame, decoder unpack.Decoder, buffered *spool, name, virtual string) bool {
	reader, err := decoder.Open(name, buffered.ReaderAt(), buffered.Size())
	if err != nil {
		r.record(event.Problem{
			Kind:        event.KindCorruptedArchive,
			VirtualPath: virtual,
			Detail:      err.Error(),
		})
		return false
	}

	archiveID, err := r.ws.Catalog.InsertArchive(r.ctx, catalog.ArchiveRecord{
		WorkspaceID:     r.ws.ID,
		VirtualPath:     virtual,
		ArchiveKind:     decoder.Kind(),
		ParentArchiveID: &f.archiveID,
		DepthLevel:      f.entryDepth,
	})
	if err != nil {
		reader.Close()
		r.record(event.Problem{Kind: event.KindInternal, VirtualPath: virtual, Detail: err.Error()})
		return false
	}

	*stack = append(*stack, &frame{
		reader:         reader,
		backing:        buffered,
		archiveID:      archiveID,
		virtual:        virtual,
		entryDepth:     f.entryDepth + 1,
		compressedSize: buffered.Size(),
	})
	return true
}

// storeJob carries one buffered entry to the store workers.
type storeJob struct {
	content  *spool
	header   []byte
	virtual  string
	original string
	parentID int64
	depth    int
	modTime  time.Time
	index    int64
}

func (r *run) storeWorker() {
	defer r.wg.Done()
	for job := range r.jobs {
		r.store(job)
		job.content.Close()
	}
}

func (r *run) store(job storeJob) {
	if r.ctx.Err() != nil {
		r.tracker.Skipped()
		return
	}

	put, err := r.ws.Store.Put(r.ctx, job.content.Reader())
	if err != nil {
		kind := classifyIOError(err)
		problem := event.Problem{Kind: kind, VirtualPath: job.virtual, Detail: err.Error()}
		if kind == event.KindDiskSpaceExhausted {
			r.recordFatal(problem)
		} else {
			r.record(problem)
			r.tracker.Skipped()
		}
		return
	}

	// Resume path: an identical record means this entry was already
	// ingested by an earlier attempt. Identity is the content hash,
	// nothing weaker.
	existing, err := r.ws.Catalog.FileByVirtualPath(r.ctx, r.ws.ID, job.virtual)
	if err == nil && existing.ContentHash == put.Digest {
		r.tracker.Skipped()
		r.checkpointAfter(job.index)
		return
	}

	modTime := job.modTime
	if modTime.IsZero() {
		modTime = r.engine.clk.Now()
	}
	_, err = r.ws.Catalog.UpsertFile(r.ctx, catalog.FileRecord{
		WorkspaceID:     r.ws.ID,
		ContentHash:     put.Digest,
		VirtualPath:     job.virtual,
		OriginalName:    job.original,
		ByteSize:        put.Size,
		ModifiedTime:    modTime,
		MimeType:        detectMIME(job.header),
		ParentArchiveID: &job.parentID,
		DepthLevel:      job.depth,
	})
	if err != nil {
		r.record(event.Problem{Kind: event.KindInternal, VirtualPath: job.virtual, Detail: err.Error()})
		r.tracker.Skipped()
		return
	}

	r.tracker.Ingested(put.Size)
	r.checkpointAfter(job.index)
}

func (r *run) checkpointAfter(index int64) {
	if _, err := r.checkpoints.MaybeWrite(r.ctx, index, r.tracker.Metrics()); err != nil && r.ctx.Err() == nil {
		r.engine.logger.Warn("writing checkpoint", "locator", r.req.Locator, "error", err)
	}
}

func (r *run) record(p event.Problem) {
	r.mu.Lock()
	r.problems = append(r.problems, p)
	r.mu.Unlock()
	r.engine.logger.Warn("ingest problem",
		"workspace", r.ws.ID,
		"kind", p.Kind.String(),
		"virtual_path", p.VirtualPath,
		"detail", p.Detail)
}

// recordFatal records a run-stopping problem and cancels the run.
// The first fatal problem wins.
func (r *run) recordFatal(p event.Problem) {
	r.mu.Lock()
	if r.fatal == nil {
		r.fatal = &p
		r.problems = append(r.problems, p)
	}
	r.mu.Unlock()
	r.cancel()
	r.engine.logger.Error("ingest halted",
		"workspace", r.ws.ID,
		"kind", p.Kind.String(),
		"virtual_path", p.VirtualPath,
		"detail", p.Detail)
}

func (r *run) fatalKind() event.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatal == nil {
		return event.KindNone
	}
	return r.fatal.Kind
}

func classifyOpenError(err error) event.Kind {
	switch {
	case errors.Is(err, unpack.ErrUnsupportedFormat):
		return event.KindUnsupportedFormat
	case errors.Is(err, os.ErrPermission):
		return event.KindPermissionDenied
	default:
		return event.KindCorruptedArchive
	}
}

func classifyIOError(err error) event.Kind {
	switch {
	case errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.EDQUOT):
		return event.KindDiskSpaceExhausted
	case errors.Is(err, os.ErrPermission):
		return event.KindPermissionDenied
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return event.KindCancellationRequested
	default:
		return event.KindInternal
	}
}

// detectMIME sniffs the entry's content; sniffing is preferred over
// the extension because entry names inside archives are untrusted.
func detectMIME(header []byte) string {
	if len(header) == 0 {
		return ""
	}
	return http.DetectContentType(header)
}
