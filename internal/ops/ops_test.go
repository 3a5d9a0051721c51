package ops

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kk-code-lab/ff3/internal/blob"
	"github.com/kk-code-lab/ff3/internal/clock"
	"github.com/kk-code-lab/ff3/internal/job"
	"github.com/kk-code-lab/ff3/internal/meta"
	"github.com/kk-code-lab/ff3/internal/storage/fs"
	"github.com/kk-code-lab/ff3/internal/storage/manifest"
	"github.com/kk-code-lab/ff3/internal/storage/spool"
)

var testBlob = blob.Descriptor{Size: 2048, Seed: 3}

func payload(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte('a' + i%23)
	}
	return out
}

func buildJob(t *testing.T, name string, data []byte) *job.TransferJob {
	t.Helper()
	j, err := job.NewBuilder(job.Options{WindowSize: 64}).BuildReader(context.Background(), name, bytes.NewReader(data), blob.New(testBlob))
	if err != nil {
		t.Fatalf("BuildReader: %v", err)
	}
	return j
}

func newLayout(t *testing.T) fs.Layout {
	t.Helper()
	layout := fs.NewLayout(filepath.Join(t.TempDir(), "data"))
	if err := layout.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	return layout
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile %s: %v", path, err)
	}
}

func TestStatusCounts(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	Clock = fake
	t.Cleanup(func() { Clock = clock.RealClock{} })

	layout := newLayout(t)
	data := payload(100)
	object := filepath.Join(layout.Inbox, "alice%2fa.txt")
	writeFile(t, object, data)
	if _, err := manifest.Write(object, buildJob(t, "alice%2fa.txt", data)); err != nil {
		t.Fatalf("manifest.Write: %v", err)
	}
	writeFile(t, filepath.Join(layout.Outbox, "b.txt"), data)

	store, err := meta.Open(filepath.Join(layout.Root, "meta.db"))
	if err != nil {
		t.Fatalf("meta.Open: %v", err)
	}
	defer store.Close()
	for i, name := range []string{"one.txt", "two.txt"} {
		path, err := spool.Write(layout.Spool, buildJob(t, name, payload(10+i)))
		if err != nil {
			t.Fatalf("spool.Write: %v", err)
		}
		if err := store.RecordTransfer(context.Background(), meta.Transfer{Path: path}); err != nil {
			t.Fatalf("RecordTransfer: %v", err)
		}
	}
	pending, _ := spool.List(layout.Spool)
	if _, err := spool.MarkSent(pending[0], layout.Sent, false); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if err := store.MarkState(context.Background(), pending[0], meta.StateSent, "tcp", ""); err != nil {
		t.Fatalf("MarkState: %v", err)
	}
	writeFile(t, filepath.Join(layout.Spool, "job_zz.json.bad"), []byte("[]"))

	report, err := Status(context.Background(), layout, store)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if report.InboxObjects != 1 || report.Manifests != 1 || report.OutboxObjects != 1 {
		t.Fatalf("unexpected inbox/outbox counts: %+v", report)
	}
	if report.Pending != 1 || report.Sent != 1 || report.Quarantined != 1 {
		t.Fatalf("unexpected spool counts: %+v", report)
	}
	if report.Ledger[meta.StateSent] != 1 || report.Ledger[meta.StateQueued] != 1 {
		t.Fatalf("unexpected ledger: %v", report.Ledger)
	}
	if !report.StartedAt.Equal(fake.Now()) {
		t.Fatalf("expected fake clock stamp, got %v", report.StartedAt)
	}
}

func TestStatusMissingDirs(t *testing.T) {
	layout := fs.NewLayout(filepath.Join(t.TempDir(), "absent"))
	report, err := Status(context.Background(), layout, nil)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if report.Manifests != 0 || report.Pending != 0 || report.Ledger != nil {
		t.Fatalf("expected empty report, got %+v", report)
	}
}

func TestFsckFindsProblems(t *testing.T) {
	layout := newLayout(t)
	data := payload(150)

	good := filepath.Join(layout.Inbox, "good.bin")
	if _, err := manifest.Write(good, buildJob(t, "good.bin", data)); err != nil {
		t.Fatalf("manifest.Write: %v", err)
	}
	short := filepath.Join(layout.Inbox, "short.bin")
	writeFile(t, short, data[:100])
	if _, err := manifest.Write(short, buildJob(t, "short.bin", data)); err != nil {
		t.Fatalf("manifest.Write: %v", err)
	}
	writeFile(t, filepath.Join(layout.Inbox, "broken.bin"+fs.ManifestExt), []byte("{not json"))
	writeFile(t, filepath.Join(layout.Spool, "job_bad.json"), []byte(`{"window_size":0}`))

	report, err := Fsck(context.Background(), layout)
	if err != nil {
		t.Fatalf("Fsck: %v", err)
	}
	if report.InvalidManifests != 1 {
		t.Fatalf("expected 1 invalid manifest, got %d", report.InvalidManifests)
	}
	if report.SizeMismatches != 1 {
		t.Fatalf("expected 1 size mismatch, got %d", report.SizeMismatches)
	}
	if report.InvalidSpool != 1 {
		t.Fatalf("expected 1 invalid spool entry, got %d", report.InvalidSpool)
	}
	if report.Errors != 3 || len(report.ErrorSample) != 3 {
		t.Fatalf("expected 3 errors, got %d %v", report.Errors, report.ErrorSample)
	}
}

func TestScrubVerifiesAndFindsDamage(t *testing.T) {
	layout := newLayout(t)
	data := payload(200)

	virtual := filepath.Join(layout.Inbox, "virtual.bin")
	if _, err := manifest.Write(virtual, buildJob(t, "virtual.bin", data)); err != nil {
		t.Fatalf("manifest.Write: %v", err)
	}

	damaged := filepath.Join(layout.Inbox, "damaged.bin")
	corrupt := append([]byte(nil), data...)
	corrupt[70] ^= 0xff
	writeFile(t, damaged, corrupt)
	if _, err := manifest.Write(damaged, buildJob(t, "damaged.bin", data)); err != nil {
		t.Fatalf("manifest.Write: %v", err)
	}

	forged := buildJob(t, "forged.bin", data)
	forged.SHA256 = "0000000000000000000000000000000000000000000000000000000000000000"
	if _, err := manifest.Write(filepath.Join(layout.Inbox, "forged.bin"), forged); err != nil {
		t.Fatalf("manifest.Write: %v", err)
	}

	report, err := Scrub(context.Background(), layout, blob.NewCache())
	if err != nil {
		t.Fatalf("Scrub: %v", err)
	}
	if report.Manifests != 3 {
		t.Fatalf("expected 3 manifests, got %d", report.Manifests)
	}
	if report.Verified != 1 {
		t.Fatalf("expected 1 verified, got %d", report.Verified)
	}
	if report.DamagedObjects != 2 || report.DamagedWindows != 1 {
		t.Fatalf("expected 2 damaged objects with 1 window, got %d/%d", report.DamagedObjects, report.DamagedWindows)
	}
}

func TestSnapshotWritesReport(t *testing.T) {
	layout := newLayout(t)
	metaPath := filepath.Join(layout.Root, "meta.db")
	store, err := meta.Open(metaPath)
	if err != nil {
		t.Fatalf("meta.Open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := spool.Write(layout.Spool, buildJob(t, "a.txt", payload(5))); err != nil {
		t.Fatalf("spool.Write: %v", err)
	}

	out := filepath.Join(t.TempDir(), "snap")
	report, err := Snapshot(context.Background(), layout, metaPath, out)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if report.Mode != "snapshot" || report.Pending != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if _, err := os.Stat(filepath.Join(out, "meta.db")); err != nil {
		t.Fatalf("ledger not copied: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(out, "snapshot.json"))
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var decoded Report
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if decoded.Pending != 1 {
		t.Fatalf("expected pending=1 in snapshot, got %d", decoded.Pending)
	}
}

func TestSnapshotRequiresDir(t *testing.T) {
	if _, err := Snapshot(context.Background(), newLayout(t), "", ""); err == nil {
		t.Fatalf("expected error for empty output dir")
	}
}
