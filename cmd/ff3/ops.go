package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/renameio"

	"github.com/kk-code-lab/ff3/internal/ops"
	"github.com/kk-code-lab/ff3/internal/storage/fs"
	"github.com/kk-code-lab/ff3/internal/storage/manifest"
)

func runCat(ctx context.Context, n *node, o *options, out io.Writer) error {
	if o.input == "" {
		return usageError("cat: %v", ErrInputRequired)
	}
	if !fs.IsManifest(o.input) {
		return usageError("cat: %v: %s", ErrNotManifest, o.input)
	}
	j, err := manifest.Read(o.input)
	if err != nil {
		return err
	}
	length := o.length
	if length < 0 {
		length = j.ObjectSize - o.offset
	}
	r, err := manifest.OpenRange(ctx, j, n.blobs.Get(j.Blob), o.offset, length)
	if err != nil {
		return err
	}
	defer r.Close()

	if o.output == "" {
		_, err := io.Copy(out, r)
		return err
	}
	pending, err := renameio.TempFile(filepath.Dir(o.output), o.output)
	if err != nil {
		return err
	}
	defer pending.Cleanup()
	if _, err := io.Copy(pending, r); err != nil {
		return err
	}
	return pending.CloseAtomicallyReplace()
}

func runStatus(ctx context.Context, n *node, o *options, out io.Writer) error {
	store, err := n.existingLedger()
	if err != nil {
		return err
	}
	report, err := ops.Status(ctx, n.layout, store)
	if err != nil {
		return err
	}
	return printReport(out, o, report)
}

func runFsck(ctx context.Context, n *node, o *options, out io.Writer) error {
	report, err := ops.Fsck(ctx, n.layout)
	if err != nil {
		return err
	}
	return printReport(out, o, report)
}

func runScrub(ctx context.Context, n *node, o *options, out io.Writer) error {
	report, err := ops.Scrub(ctx, n.layout, n.blobs)
	if err != nil {
		return err
	}
	return printReport(out, o, report)
}

func runSnapshot(ctx context.Context, n *node, o *options, out io.Writer) error {
	dir := o.snapshotDir
	if dir == "" {
		dir = filepath.Join(n.cfg.Paths.Root, "snapshots", "snapshot-"+strconv.FormatInt(ops.Clock.Now().UTC().Unix(), 10))
	}
	metaPath := n.cfg.Paths.MetaDB
	if _, err := os.Stat(metaPath); err != nil {
		metaPath = ""
	}
	report, err := ops.Snapshot(ctx, n.layout, metaPath, dir)
	if err != nil {
		return err
	}
	return printReport(out, o, report)
}

// printReport writes report and turns reported problems into exit code 3.
func printReport(out io.Writer, o *options, report *ops.Report) error {
	if err := emit(out, o.jsonOut, report, formatReport(report)); err != nil {
		return err
	}
	if report.Errors > 0 {
		return &exitCodeError{code: exitProblems, msg: fmt.Sprintf("%s: %d problems", report.Mode, report.Errors), quiet: o.jsonOut}
	}
	return nil
}

func formatReport(report *ops.Report) string {
	if report == nil {
		return ""
	}
	line := fmt.Sprintf("mode=%s inbox=%d manifests=%d outbox=%d pending=%d sent=%d errors=%d",
		report.Mode, report.InboxObjects, report.Manifests, report.OutboxObjects, report.Pending, report.Sent, report.Errors)
	if report.Mode == "scrub" {
		line += fmt.Sprintf(" verified=%d damaged=%d", report.Verified, report.DamagedObjects)
	}
	for _, sample := range report.ErrorSample {
		line += "\n  " + sample
	}
	return line
}
