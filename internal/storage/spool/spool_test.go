package spool

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kk-code-lab/ff3/internal/blob"
	"github.com/kk-code-lab/ff3/internal/job"
)

func sampleJob(name, sha string) *job.TransferJob {
	return &job.TransferJob{
		ObjectName:   name,
		ObjectSize:   3,
		WindowSize:   16,
		TotalWindows: 1,
		Blob:         blob.Descriptor{Size: 64, Seed: 1},
		SHA256:       sha,
		Windows:      []job.Window{{Idx: 0, Proto: "SVBWMQADYWJjfw"}},
	}
}

func TestBaseName(t *testing.T) {
	cases := []struct {
		name string
		job  *job.TransferJob
		want string
	}{
		{name: "tenant", job: sampleJob("alice%2fdocs%2fa.txt", "0123456789abcdef0123"), want: "0123456789abcdef-alice"},
		{name: "plain-name", job: sampleJob("report.pdf", "ffff"), want: "ffff-report.pdf"},
		{name: "no-sha", job: sampleJob("x.bin", ""), want: "x.bin-x.bin"},
		{name: "empty", job: sampleJob("", ""), want: "job"},
		{name: "sanitize", job: sampleJob("we ird!user%2fa", "aa"), want: "aa-we-ird-user"},
		{name: "long", job: sampleJob(strings.Repeat("u", 40)+"%2fa", "aa"), want: "aa-" + strings.Repeat("u", 24)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := BaseName(tc.job); got != tc.want {
				t.Fatalf("BaseName=%q want %q", got, tc.want)
			}
		})
	}
}

func TestWriteListLoad(t *testing.T) {
	dir := t.TempDir()
	j := sampleJob("alice%2fa.txt", "0123456789abcdef99")
	first, err := Write(dir, j)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	second, err := Write(dir, j)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if filepath.Base(first) != "job_0123456789abcdef-alice.json" {
		t.Fatalf("first=%s", first)
	}
	if filepath.Base(second) != "job_0123456789abcdef-alice-1.json" {
		t.Fatalf("second=%s", second)
	}
	if err := os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	entries, err := List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 || entries[0] != second || entries[1] != first {
		t.Fatalf("entries=%v", entries)
	}
	got, err := Load(first)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ObjectName != j.ObjectName || got.Windows[0].Proto != j.Windows[0].Proto {
		t.Fatalf("loaded=%+v", got)
	}
	leftovers, _ := filepath.Glob(filepath.Join(dir, ".*"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

func TestListMissingDir(t *testing.T) {
	entries, err := List(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries=%v", entries)
	}
}

func TestLoadRejectsNonObject(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job_bad.json")
	if err := os.WriteFile(path, []byte("[]"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error")
	}
	moved, err := Quarantine(path)
	if err != nil {
		t.Fatalf("Quarantine: %v", err)
	}
	if entries, _ := List(filepath.Dir(path)); len(entries) != 0 {
		t.Fatalf("quarantined entry still listed: %v", entries)
	}
	if _, err := os.Stat(moved); err != nil {
		t.Fatalf("quarantined file missing: %v", err)
	}
}

func TestMarkSent(t *testing.T) {
	for _, compress := range []bool{false, true} {
		dir := t.TempDir()
		path, err := Write(dir, sampleJob("bob%2fa", "abcd"))
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		want, _ := os.ReadFile(path)
		dest, err := MarkSent(path, filepath.Join(dir, "sent"), compress)
		if err != nil {
			t.Fatalf("MarkSent: %v", err)
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("entry still pending: %v", err)
		}
		got, err := ReadArchived(dest)
		if err != nil {
			t.Fatalf("ReadArchived: %v", err)
		}
		if string(got) != string(want) {
			t.Fatalf("archived content mismatch (compress=%v)", compress)
		}
		if entries, _ := List(dir); len(entries) != 0 {
			t.Fatalf("entries=%v", entries)
		}
	}
}

func TestSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path, err := Write(dir, sampleJob("carol%2fz", "1111"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	// A fresh List sees the entry exactly as written.
	entries, err := List(dir)
	if err != nil || len(entries) != 1 || entries[0] != path {
		t.Fatalf("entries=%v err=%v", entries, err)
	}
}
