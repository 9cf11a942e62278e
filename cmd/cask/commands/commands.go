// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands defines the cask command tree.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/cask-foundation/cask/cmd/cask/cli"
	"github.com/cask-foundation/cask/lib/cas"
	"github.com/cask-foundation/cask/lib/catalog"
	"github.com/cask-foundation/cask/lib/event"
	"github.com/cask-foundation/cask/lib/ingest"
	"github.com/cask-foundation/cask/lib/policy"
	"github.com/cask-foundation/cask/lib/workspace"
)

// version is stamped by the release build; "dev" otherwise.
var version = "dev"

// timeRounding keeps durations in human output readable.
const timeRounding = time.Millisecond

// Root returns the full cask command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name:    "cask",
		Summary: "nested archive ingestion into content-addressed workspaces",
		Description: `cask unpacks archives (zip, tar, tar.gz, tar.zst, tar.lz4, gz, zst,
lz4), including archives nested inside archives, into per-workspace
content-addressed storage with a queryable metadata catalog.`,
		Subcommands: []*cli.Command{
			ingestCommand(),
			cancelCommand(),
			statusCommand(),
			listCommand(),
			workspaceCommand(),
			objectCommand(),
			verifyCommand(),
			versionCommand(),
		},
	}
}

// openManager builds the workspace manager shared by every command.
func openManager(root, compression string, logger *slog.Logger) (*workspace.Manager, error) {
	resolved, err := cli.DataRoot(root)
	if err != nil {
		return nil, err
	}
	tag, err := cas.ParseCompression(compression)
	if err != nil {
		return nil, err
	}
	return workspace.NewManager(resolved, tag, logger)
}

func loadPolicy(path string) (policy.Policy, error) {
	if path == "" {
		return policy.Default(), nil
	}
	return policy.Load(path)
}

func ingestCommand() *cli.Command {
	var (
		rootDir     string
		policyPath  string
		maxDepth    int
		compression string
		jsonOut     bool
	)
	return &cli.Command{
		Name:    "ingest",
		Summary: "ingest an archive into a workspace",
		Usage:   "cask ingest <workspace-id> <archive-path> [flags]",
		Description: `Ingest walks the archive, including nested archives up to the depth
limit, stores every file in the workspace's content-addressed store,
and indexes it in the catalog. Re-running after an interruption skips
entries whose content already matches the catalog.`,
		Examples: []cli.Example{
			{Description: "Ingest a release tarball", Command: "cask ingest builds release-v2.tar.gz"},
			{Description: "Shallow ingest, keep nested archives opaque", Command: "cask ingest builds bundle.zip --max-depth 1"},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("ingest", pflag.ContinueOnError)
			flags.StringVar(&rootDir, "root", "", "workspace store root (default $CASK_ROOT)")
			flags.StringVar(&policyPath, "policy", "", "policy file (YAML or JSONC)")
			flags.IntVar(&maxDepth, "max-depth", 0, "nesting ceiling for this run (0 = policy value)")
			flags.StringVar(&compression, "compression", "auto", "at-rest object compression: none, zstd, lz4, auto")
			flags.BoolVar(&jsonOut, "json", false, "emit the run result as JSON")
			return flags
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 2 {
				return fmt.Errorf("expected <workspace-id> <archive-path>, got %d arguments", len(args))
			}
			workspaceID, locator := args[0], args[1]

			pol, err := loadPolicy(policyPath)
			if err != nil {
				return err
			}
			manager, err := openManager(rootDir, compression, logger)
			if err != nil {
				return err
			}
			ws, err := manager.Open(workspaceID)
			if err != nil {
				return err
			}
			defer ws.Close()

			collector := &event.Collector{}
			var sink event.Sink = event.NewLogSink(logger)
			if jsonOut {
				sink = collector
			}
			engine := ingest.NewEngine(nil, pol, sink, nil, logger)
			result, err := engine.Ingest(ctx, ws, ingest.Request{
				WorkspaceID: workspaceID,
				Locator:     locator,
				MaxDepth:    maxDepth,
			})
			if err != nil {
				return err
			}

			if jsonOut {
				_, findings, _ := collector.Snapshot()
				if err := cli.WriteJSON(runReport(locator, result, findings)); err != nil {
					return err
				}
			} else {
				printRunSummary(os.Stdout, result)
			}
			switch result.State {
			case ingest.StateHalted:
				return fmt.Errorf("ingestion halted")
			case ingest.StateCancelled:
				return fmt.Errorf("ingestion cancelled")
			}
			return nil
		},
	}
}

// report is the --json shape of a finished run.
type report struct {
	Locator  string                  `json:"locator"`
	State    string                  `json:"state"`
	Seen     int64                   `json:"entries_seen"`
	Ingested int64                   `json:"entries_ingested"`
	Skipped  int64                   `json:"entries_skipped"`
	Bytes    int64                   `json:"bytes_ingested"`
	MaxDepth int                     `json:"max_depth_reached"`
	Duration string                  `json:"duration"`
	Problems []reportProblem         `json:"problems,omitempty"`
	Findings []event.SecurityFinding `json:"security_findings,omitempty"`
}

type reportProblem struct {
	Kind        string `json:"kind"`
	VirtualPath string `json:"virtual_path,omitempty"`
	Detail      string `json:"detail"`
}

func runReport(locator string, result *ingest.Result, findings []event.SecurityFinding) report {
	r := report{
		Locator:  locator,
		State:    result.State.String(),
		Seen:     result.Metrics.EntriesSeen,
		Ingested: result.Metrics.EntriesIngested,
		Skipped:  result.Metrics.EntriesSkipped,
		Bytes:    result.Metrics.BytesIngested,
		MaxDepth: result.MaxDepthReached,
		Duration: result.Duration.String(),
		Findings: findings,
	}
	for _, p := range result.Problems {
		r.Problems = append(r.Problems, reportProblem{
			Kind:        p.Kind.String(),
			VirtualPath: p.VirtualPath,
			Detail:      p.Detail,
		})
	}
	return r
}

func printRunSummary(w io.Writer, result *ingest.Result) {
	fmt.Fprintf(w, "%s: %d ingested, %d skipped, %d bytes in %s\n",
		result.State, result.Metrics.EntriesIngested, result.Metrics.EntriesSkipped,
		result.Metrics.BytesIngested, result.Duration.Round(timeRounding))
	for _, p := range result.Problems {
		if p.VirtualPath != "" {
			fmt.Fprintf(w, "  %s at %s: %s\n", p.Kind, p.VirtualPath, p.Detail)
		} else {
			fmt.Fprintf(w, "  %s: %s\n", p.Kind, p.Detail)
		}
	}
}

func cancelCommand() *cli.Command {
	var addr string
	return &cli.Command{
		Name:    "cancel",
		Summary: "cancel an active ingestion on the running service",
		Usage:   "cask cancel <workspace-id> <archive-path> [flags]",
		Description: `Cancel asks a running cask-ingest-service to cooperatively stop an
active ingestion. Interrupted runs keep their checkpoint and can be
resumed by submitting the same archive again.`,
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("cancel", pflag.ContinueOnError)
			flags.StringVar(&addr, "addr", "", "service address (default $CASK_LISTEN or 127.0.0.1:9330)")
			return flags
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 2 {
				return fmt.Errorf("expected <workspace-id> <archive-path>, got %d arguments", len(args))
			}
			if addr == "" {
				addr = os.Getenv("CASK_LISTEN")
			}
			if addr == "" {
				addr = "127.0.0.1:9330"
			}
			endpoint := fmt.Sprintf("http://%s/v1/ingestions?workspace=%s&locator=%s",
				addr, url.QueryEscape(args[0]), url.QueryEscape(args[1]))
			req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("reaching service at %s: %w", addr, err)
			}
			defer resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusNoContent:
				fmt.Println("cancellation requested")
				return nil
			case http.StatusNotFound:
				return fmt.Errorf("no active ingestion of %s in workspace %s", args[1], args[0])
			default:
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				return fmt.Errorf("service returned %s: %s", resp.Status, body)
			}
		},
	}
}

func statusCommand() *cli.Command {
	var (
		rootDir string
		jsonOut bool
	)
	return &cli.Command{
		Name:    "status",
		Summary: "show workspace catalog statistics",
		Usage:   "cask status <workspace-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("status", pflag.ContinueOnError)
			flags.StringVar(&rootDir, "root", "", "workspace store root (default $CASK_ROOT)")
			flags.BoolVar(&jsonOut, "json", false, "emit statistics as JSON")
			return flags
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 1 {
				return fmt.Errorf("expected <workspace-id>, got %d arguments", len(args))
			}
			ws, err := openExisting(rootDir, args[0], logger)
			if err != nil {
				return err
			}
			defer ws.Close()

			stats, err := ws.Catalog.WorkspaceStats(ctx, ws.ID)
			if err != nil {
				return err
			}
			stored, err := ws.Store.TotalStoredBytes()
			if err != nil {
				return err
			}
			if jsonOut {
				return cli.WriteJSON(map[string]any{
					"workspace":     ws.ID,
					"file_count":    stats.FileCount,
					"archive_count": stats.ArchiveCount,
					"total_bytes":   stats.TotalBytes,
					"unique_hashes": stats.UniqueHashes,
					"stored_bytes":  stored,
				})
			}
			fmt.Printf("workspace %s: %d files (%d unique) across %d archives, %d bytes indexed, %d bytes on disk\n",
				ws.ID, stats.FileCount, stats.UniqueHashes, stats.ArchiveCount, stats.TotalBytes, stored)
			return nil
		},
	}
}

func listCommand() *cli.Command {
	var (
		rootDir string
		jsonOut bool
	)
	return &cli.Command{
		Name:    "ls",
		Summary: "list indexed files in a workspace",
		Usage:   "cask ls <workspace-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("ls", pflag.ContinueOnError)
			flags.StringVar(&rootDir, "root", "", "workspace store root (default $CASK_ROOT)")
			flags.BoolVar(&jsonOut, "json", false, "emit records as JSON")
			return flags
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 1 {
				return fmt.Errorf("expected <workspace-id>, got %d arguments", len(args))
			}
			ws, err := openExisting(rootDir, args[0], logger)
			if err != nil {
				return err
			}
			defer ws.Close()

			files, err := ws.Catalog.AllFiles(ctx, ws.ID)
			if err != nil {
				return err
			}
			if jsonOut {
				return cli.WriteJSON(files)
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
			for _, f := range files {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", f.ContentHash, f.ByteSize, f.DepthLevel, f.VirtualPath)
			}
			return tw.Flush()
		},
	}
}

func workspaceCommand() *cli.Command {
	var rootDir string
	rootFlags := func(name string) *pflag.FlagSet {
		flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
		flags.StringVar(&rootDir, "root", "", "workspace store root (default $CASK_ROOT)")
		return flags
	}
	return &cli.Command{
		Name:    "workspace",
		Summary: "manage workspaces",
		Subcommands: []*cli.Command{
			{
				Name:    "list",
				Summary: "list workspace identifiers",
				Flags:   func() *pflag.FlagSet { return rootFlags("list") },
				Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
					manager, err := openManager(rootDir, "auto", logger)
					if err != nil {
						return err
					}
					ids, err := manager.List()
					if err != nil {
						return err
					}
					for _, id := range ids {
						fmt.Println(id)
					}
					return nil
				},
			},
			{
				Name:    "delete",
				Summary: "delete a workspace and all its objects",
				Usage:   "cask workspace delete <workspace-id> [flags]",
				Flags:   func() *pflag.FlagSet { return rootFlags("delete") },
				Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
					if len(args) != 1 {
						return fmt.Errorf("expected <workspace-id>, got %d arguments", len(args))
					}
					manager, err := openManager(rootDir, "auto", logger)
					if err != nil {
						return err
					}
					return manager.Delete(args[0])
				},
			},
			{
				Name:    "sweep",
				Summary: "remove workspaces left in the trash by interrupted deletes",
				Flags:   func() *pflag.FlagSet { return rootFlags("sweep") },
				Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
					manager, err := openManager(rootDir, "auto", logger)
					if err != nil {
						return err
					}
					return manager.SweepTrash()
				},
			},
		},
	}
}

func objectCommand() *cli.Command {
	var (
		rootDir string
		outPath string
	)
	return &cli.Command{
		Name:    "object",
		Summary: "read stored objects",
		Subcommands: []*cli.Command{
			{
				Name:    "get",
				Summary: "write an object's content to stdout (integrity-verified)",
				Usage:   "cask object get <workspace-id> <digest|virtual-path> [flags]",
				Flags: func() *pflag.FlagSet {
					flags := pflag.NewFlagSet("get", pflag.ContinueOnError)
					flags.StringVar(&rootDir, "root", "", "workspace store root (default $CASK_ROOT)")
					flags.StringVarP(&outPath, "output", "o", "", "write to file instead of stdout")
					return flags
				},
				Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
					if len(args) != 2 {
						return fmt.Errorf("expected <workspace-id> <digest|virtual-path>, got %d arguments", len(args))
					}
					ws, err := openExisting(rootDir, args[0], logger)
					if err != nil {
						return err
					}
					defer ws.Close()

					digest, err := resolveObject(ctx, ws, args[1])
					if err != nil {
						return err
					}
					reader, err := ws.Store.Get(ctx, digest)
					if err != nil {
						return err
					}
					defer reader.Close()

					out := io.Writer(os.Stdout)
					if outPath != "" {
						file, err := os.Create(outPath)
						if err != nil {
							return err
						}
						defer file.Close()
						out = file
					}
					// Copy surfaces digest mismatches: the reader
					// verifies the full content hash at EOF.
					_, err = io.Copy(out, reader)
					return err
				},
			},
			{
				Name:    "stat",
				Summary: "show storage metadata for an object",
				Usage:   "cask object stat <workspace-id> <digest|virtual-path> [flags]",
				Flags: func() *pflag.FlagSet {
					flags := pflag.NewFlagSet("stat", pflag.ContinueOnError)
					flags.StringVar(&rootDir, "root", "", "workspace store root (default $CASK_ROOT)")
					return flags
				},
				Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
					if len(args) != 2 {
						return fmt.Errorf("expected <workspace-id> <digest|virtual-path>, got %d arguments", len(args))
					}
					ws, err := openExisting(rootDir, args[0], logger)
					if err != nil {
						return err
					}
					defer ws.Close()

					digest, err := resolveObject(ctx, ws, args[1])
					if err != nil {
						return err
					}
					info, err := ws.Store.Stat(digest)
					if err != nil {
						return err
					}
					return cli.WriteJSON(map[string]any{
						"digest":      info.Digest.String(),
						"stored_size": info.StoredSize,
						"compression": info.Compression.String(),
					})
				},
			},
		},
	}
}

func verifyCommand() *cli.Command {
	var rootDir string
	return &cli.Command{
		Name:    "verify",
		Summary: "re-hash every indexed object and report corruption",
		Usage:   "cask verify <workspace-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("verify", pflag.ContinueOnError)
			flags.StringVar(&rootDir, "root", "", "workspace store root (default $CASK_ROOT)")
			return flags
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 1 {
				return fmt.Errorf("expected <workspace-id>, got %d arguments", len(args))
			}
			ws, err := openExisting(rootDir, args[0], logger)
			if err != nil {
				return err
			}
			defer ws.Close()

			files, err := ws.Catalog.AllFiles(ctx, ws.ID)
			if err != nil {
				return err
			}
			checked := map[cas.Digest]bool{}
			var bad int
			for _, f := range files {
				if checked[f.ContentHash] {
					continue
				}
				checked[f.ContentHash] = true
				if err := verifyObject(ctx, ws, f.ContentHash); err != nil {
					bad++
					fmt.Fprintf(os.Stderr, "corrupt: %s (%s): %v\n", f.ContentHash, f.VirtualPath, err)
				}
			}
			fmt.Printf("verified %d objects, %d corrupt\n", len(checked), bad)
			if bad > 0 {
				return fmt.Errorf("%d corrupt objects", bad)
			}
			return nil
		},
	}
}

func verifyObject(ctx context.Context, ws *workspace.Workspace, digest cas.Digest) error {
	reader, err := ws.Store.Get(ctx, digest)
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "print the cask version",
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			fmt.Println(version)
			return nil
		},
	}
}

// openExisting opens a workspace that must already exist; commands
// that only read never create directories as a side effect.
func openExisting(rootDir, id string, logger *slog.Logger) (*workspace.Workspace, error) {
	manager, err := openManager(rootDir, "auto", logger)
	if err != nil {
		return nil, err
	}
	exists, err := manager.Exists(id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("workspace %q: %w", id, workspace.ErrNotFound)
	}
	return manager.Open(id)
}

// resolveObject accepts either a content digest or a catalog virtual
// path and returns the digest.
func resolveObject(ctx context.Context, ws *workspace.Workspace, ref string) (cas.Digest, error) {
	if digest, err := cas.ParseDigest(ref); err == nil {
		return digest, nil
	}
	record, err := ws.Catalog.FileByVirtualPath(ctx, ws.ID, ref)
	if errors.Is(err, catalog.ErrNotFound) {
		return cas.Digest{}, fmt.Errorf("no object or virtual path %q in workspace %s", ref, ws.ID)
	}
	if err != nil {
		return cas.Digest{}, err
	}
	return record.ContentHash, nil
}
