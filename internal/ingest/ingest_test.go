package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kk-code-lab/ff3/internal/blob"
	"github.com/kk-code-lab/ff3/internal/config"
	"github.com/kk-code-lab/ff3/internal/job"
	"github.com/kk-code-lab/ff3/internal/logging"
	"github.com/kk-code-lab/ff3/internal/meta"
	"github.com/kk-code-lab/ff3/internal/storage/fs"
	"github.com/kk-code-lab/ff3/internal/storage/manifest"
	"github.com/kk-code-lab/ff3/internal/storage/spool"
)

func newIngestor(t *testing.T, mode string, maxBytes int64) *Ingestor {
	t.Helper()
	ing, err := New(Options{
		Layout:    fs.NewLayout(t.TempDir()),
		Builder:   job.NewBuilder(job.Options{WindowSize: 64}),
		Blob:      blob.Descriptor{Size: 4096, Seed: 5},
		MaxBytes:  maxBytes,
		StoreMode: mode,
		Logger:    logging.Discard(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ing
}

func TestIngestStreamWindowedDropsOriginal(t *testing.T) {
	ing := newIngestor(t, config.StoreWindowed, 0)
	payload := bytes.Repeat([]byte("hello ff3 "), 30)
	res, err := ing.IngestStream(context.Background(), "../x/report.txt", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("IngestStream: %v", err)
	}
	if res.Filename != "report.txt" || res.BytesWritten != int64(len(payload)) {
		t.Fatalf("result=%+v", res)
	}
	if res.StoredPath != res.ManifestPath || !fs.IsManifest(res.StoredPath) {
		t.Fatalf("stored=%s manifest=%s", res.StoredPath, res.ManifestPath)
	}
	if _, err := os.Stat(filepath.Join(ing.Layout().Inbox, "report.txt")); !os.IsNotExist(err) {
		t.Fatalf("original kept in windowed mode: %v", err)
	}
	j, err := manifest.Read(res.ManifestPath)
	if err != nil {
		t.Fatalf("manifest.Read: %v", err)
	}
	var out bytes.Buffer
	if err := job.ReconstructVerified(context.Background(), j, ing.Blob(), &out); err != nil {
		t.Fatalf("ReconstructVerified: %v", err)
	}
	if !bytes.Equal(out.Bytes(), payload) {
		t.Fatalf("reconstructed bytes differ")
	}
	if entries, _ := spool.List(ing.Layout().Spool); len(entries) != 0 {
		t.Fatalf("IngestStream must not queue: %v", entries)
	}
}

func TestIngestStreamSameNameTwice(t *testing.T) {
	ing := newIngestor(t, config.StoreWindowed, 0)
	first, err := ing.IngestStream(context.Background(), "a.bin", strings.NewReader("one"))
	if err != nil {
		t.Fatalf("IngestStream: %v", err)
	}
	second, err := ing.IngestStream(context.Background(), "a.bin", strings.NewReader("two"))
	if err != nil {
		t.Fatalf("IngestStream: %v", err)
	}
	if first.ManifestPath == second.ManifestPath {
		t.Fatalf("second upload overwrote first manifest %s", first.ManifestPath)
	}
}

func TestIngestStreamFullKeepsOriginal(t *testing.T) {
	ing := newIngestor(t, config.StoreFull, 0)
	res, err := ing.IngestStream(context.Background(), "keep.bin", strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("IngestStream: %v", err)
	}
	data, err := os.ReadFile(res.StoredPath)
	if err != nil || string(data) != "payload" {
		t.Fatalf("stored=%q err=%v", data, err)
	}
	if _, err := os.Stat(res.ManifestPath); err != nil {
		t.Fatalf("manifest missing: %v", err)
	}
}

func TestIngestStreamTooLarge(t *testing.T) {
	ing := newIngestor(t, config.StoreFull, 8)
	_, err := ing.IngestStream(context.Background(), "big.bin", strings.NewReader("0123456789"))
	if !errors.Is(err, ErrUploadTooLarge) {
		t.Fatalf("err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(ing.Layout().Inbox, "big.bin")); !os.IsNotExist(err) {
		t.Fatalf("partial upload left behind: %v", err)
	}
	if _, err := ing.IngestStream(context.Background(), "ok.bin", strings.NewReader("01234567")); err != nil {
		t.Fatalf("upload at limit rejected: %v", err)
	}
}

func TestBuildForPathQueuesAndRecords(t *testing.T) {
	ing := newIngestor(t, config.StoreWindowed, 0)
	store, err := meta.Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("meta.Open: %v", err)
	}
	defer store.Close()
	ing.meta = store

	src := filepath.Join(ing.Layout().Inbox, "alice%2fdocs%2fnote.txt")
	if err := os.WriteFile(src, []byte("note body"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	res, err := ing.BuildForPath(context.Background(), src)
	if err != nil {
		t.Fatalf("BuildForPath: %v", err)
	}
	if res.JobPath == "" || !strings.HasSuffix(filepath.Base(res.JobPath), "-alice.json") {
		t.Fatalf("job path=%s", res.JobPath)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("original kept: %v", err)
	}
	queued, err := spool.Load(res.JobPath)
	if err != nil {
		t.Fatalf("spool.Load: %v", err)
	}
	if queued.ObjectName != "alice%2fdocs%2fnote.txt" || queued.ObjectSize != 9 {
		t.Fatalf("queued=%+v", queued)
	}
	rec, err := store.GetTransfer(context.Background(), res.JobPath)
	if err != nil {
		t.Fatalf("GetTransfer: %v", err)
	}
	if rec.State != meta.StateQueued || rec.SHA256 != queued.SHA256 {
		t.Fatalf("ledger=%+v", rec)
	}
}

func TestSummaryShape(t *testing.T) {
	ing := newIngestor(t, config.StoreWindowed, 0)
	res, err := ing.IngestStream(context.Background(), "s.bin", strings.NewReader("abc"))
	if err != nil {
		t.Fatalf("IngestStream: %v", err)
	}
	raw, err := json.Marshal(res.Summary())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["queued"] != false || got["compression_percent"] != "0%" || got["compression_ratio"] != 1.0 {
		t.Fatalf("summary=%s", raw)
	}
	jobPart := got["job"].(map[string]any)
	if jobPart["spool_path"] != nil || jobPart["object_size"] != 3.0 {
		t.Fatalf("job summary=%v", jobPart)
	}
	if got["bref_path"] != res.ManifestPath {
		t.Fatalf("bref_path=%v", got["bref_path"])
	}
}
