// Package ops produces maintenance reports over a node's directories:
// status counts, structural fsck and content scrub.
package ops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kk-code-lab/ff3/internal/blob"
	"github.com/kk-code-lab/ff3/internal/job"
	"github.com/kk-code-lab/ff3/internal/meta"
	"github.com/kk-code-lab/ff3/internal/storage/fs"
	"github.com/kk-code-lab/ff3/internal/storage/manifest"
	"github.com/kk-code-lab/ff3/internal/storage/spool"
)

const maxErrorSample = 5

// Report summarizes an ops run.
type Report struct {
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       time.Time      `json:"finished_at"`
	Mode             string         `json:"mode"`
	InboxObjects     int            `json:"inbox_objects"`
	Manifests        int            `json:"manifests"`
	OutboxObjects    int            `json:"outbox_objects"`
	Pending          int            `json:"pending"`
	Sent             int            `json:"sent"`
	Quarantined      int            `json:"quarantined,omitempty"`
	Errors           int            `json:"errors"`
	ErrorSample      []string       `json:"error_sample,omitempty"`
	InvalidManifests int            `json:"invalid_manifests,omitempty"`
	InvalidSpool     int            `json:"invalid_spool,omitempty"`
	SizeMismatches   int            `json:"size_mismatches,omitempty"`
	Verified         int            `json:"verified,omitempty"`
	DamagedObjects   int            `json:"damaged_objects,omitempty"`
	DamagedWindows   int            `json:"damaged_windows,omitempty"`
	Ledger           map[string]int `json:"ledger,omitempty"`
	Repairs          int            `json:"repairs,omitempty"`
}

func (r *Report) addError(err error) {
	r.Errors++
	if len(r.ErrorSample) < maxErrorSample {
		r.ErrorSample = append(r.ErrorSample, err.Error())
	}
}

// Status collects counts about directory and ledger state. store may be nil.
func Status(ctx context.Context, layout fs.Layout, store *meta.Store) (*Report, error) {
	report := &Report{Mode: "status", StartedAt: now()}
	if err := countDirs(report, layout); err != nil {
		return nil, err
	}
	if store != nil {
		counts, err := store.CountByState(ctx)
		if err != nil {
			return nil, err
		}
		report.Ledger = counts
		repairs, err := store.ListRepairs(ctx, "")
		if err != nil {
			return nil, err
		}
		report.Repairs = len(repairs)
	}
	report.FinishedAt = now()
	return report, nil
}

func countDirs(report *Report, layout fs.Layout) error {
	inbox, err := listFiles(layout.Inbox)
	if err != nil {
		return err
	}
	for _, path := range inbox {
		if fs.IsManifest(path) {
			report.Manifests++
		} else {
			report.InboxObjects++
		}
	}
	outbox, err := listFiles(layout.Outbox)
	if err != nil {
		return err
	}
	report.OutboxObjects = len(outbox)
	pending, err := spool.List(layout.Spool)
	if err != nil {
		return err
	}
	report.Pending = len(pending)
	spooled, err := listFiles(layout.Spool)
	if err != nil {
		return err
	}
	for _, path := range spooled {
		if strings.HasSuffix(path, spool.QuarantineExt) {
			report.Quarantined++
		}
	}
	sent, err := listFiles(layout.Sent)
	if err != nil {
		return err
	}
	report.Sent = len(sent)
	return nil
}

// Fsck validates every manifest and pending spool entry, and checks that
// objects kept beside their manifests have the recorded size.
func Fsck(ctx context.Context, layout fs.Layout) (*Report, error) {
	report := &Report{Mode: "fsck", StartedAt: now()}
	if err := countDirs(report, layout); err != nil {
		return nil, err
	}
	manifests, err := manifest.List(layout.Inbox)
	if err != nil {
		return nil, err
	}
	for _, path := range manifests {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		j, err := manifest.Read(path)
		if err == nil {
			err = j.Validate()
		}
		if err != nil {
			report.InvalidManifests++
			report.addError(fmt.Errorf("%s: %w", filepath.Base(path), err))
			continue
		}
		info, err := os.Stat(manifest.ObjectPath(path))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				report.addError(err)
			}
			continue
		}
		if info.Size() != j.ObjectSize {
			report.SizeMismatches++
			report.addError(fmt.Errorf("%s: size %d want %d", filepath.Base(path), info.Size(), j.ObjectSize))
		}
	}

	pending, err := spool.List(layout.Spool)
	if err != nil {
		return nil, err
	}
	for _, path := range pending {
		j, err := spool.Load(path)
		if err == nil {
			err = j.Validate()
		}
		if err != nil {
			report.InvalidSpool++
			report.addError(fmt.Errorf("%s: %w", filepath.Base(path), err))
		}
	}
	report.FinishedAt = now()
	return report, nil
}

// Scrub reconstructs every manifest from the blob and checks its SHA-256.
// Where the object is also kept on disk its window digests are compared
// against the reconstruction.
func Scrub(ctx context.Context, layout fs.Layout, blobs *blob.Cache) (*Report, error) {
	if blobs == nil {
		blobs = blob.NewCache()
	}
	report := &Report{Mode: "scrub", StartedAt: now()}
	manifests, err := manifest.List(layout.Inbox)
	if err != nil {
		return nil, err
	}
	report.Manifests = len(manifests)
	for _, path := range manifests {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		j, err := manifest.Read(path)
		if err != nil {
			report.InvalidManifests++
			report.addError(err)
			continue
		}
		b := blobs.Get(j.Blob)
		if err := job.ReconstructVerified(ctx, j, b, io.Discard); err != nil {
			report.DamagedObjects++
			report.addError(fmt.Errorf("%s: %w", filepath.Base(path), err))
			continue
		}
		damaged, err := scrubObject(ctx, j, b, manifest.ObjectPath(path))
		if err != nil {
			report.addError(fmt.Errorf("%s: %w", filepath.Base(path), err))
			continue
		}
		if damaged > 0 {
			report.DamagedObjects++
			report.DamagedWindows += damaged
			report.addError(fmt.Errorf("%s: %d damaged windows", filepath.Base(path), damaged))
			continue
		}
		report.Verified++
	}
	report.FinishedAt = now()
	return report, nil
}

// scrubObject counts windows of the on-disk object that differ from the
// manifest. A missing object is not damage: windowed mode drops it.
func scrubObject(ctx context.Context, j *job.TransferJob, b *blob.Blob, objectPath string) (int, error) {
	f, err := os.Open(objectPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()
	want, err := job.WindowDigests(ctx, j, b)
	if err != nil {
		return 0, err
	}
	got, _, err := job.StreamDigests(f, j.WindowSize)
	if err != nil {
		return 0, err
	}
	damaged := 0
	for i, h := range want {
		if i >= len(got) || got[i] != h {
			damaged++
		}
	}
	if len(got) > len(want) {
		damaged += len(got) - len(want)
	}
	return damaged, nil
}

// Snapshot copies the ledger files into outDir and writes a status report
// beside them as snapshot.json.
func Snapshot(ctx context.Context, layout fs.Layout, metaPath, outDir string) (*Report, error) {
	if outDir == "" {
		return nil, errors.New("ops: snapshot output dir required")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	report, err := Status(ctx, layout, nil)
	if err != nil {
		return nil, err
	}
	report.Mode = "snapshot"
	if metaPath != "" {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			err := copyFile(metaPath+suffix, filepath.Join(outDir, "meta.db"+suffix))
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				report.addError(err)
			}
		}
	}
	report.FinishedAt = now()
	if err := writeJSON(filepath.Join(outDir, "snapshot.json"), report); err != nil {
		return nil, err
	}
	return report, nil
}

func listFiles(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		out = append(out, filepath.Join(dir, entry.Name()))
	}
	return out, nil
}
