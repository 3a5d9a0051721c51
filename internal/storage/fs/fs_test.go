package fs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestEncodeDecodeVirtualPath(t *testing.T) {
	if got := EncodeVirtualPath(" /alice/docs/a.txt/ "); got != "alice%2fdocs%2fa.txt" {
		t.Fatalf("encode=%q", got)
	}
	if got := EncodeUserPath("bob/extra", "/reports/q1.pdf"); got != "bob%2freports%2fq1.pdf" {
		t.Fatalf("encode user=%q", got)
	}
	if got := EncodeUserPath("", "x"); got != "user%2fx" {
		t.Fatalf("encode default user=%q", got)
	}
	user, stored := DecodeVirtualPath("alice%2fdocs%2fa.txt")
	if user != "alice" || stored != "docs/a.txt" {
		t.Fatalf("decode=%q,%q", user, stored)
	}
	user, stored = DecodeVirtualPath("plain.bin")
	if user != "" || stored != "plain.bin" {
		t.Fatalf("decode plain=%q,%q", user, stored)
	}
}

func TestUniqueTarget(t *testing.T) {
	root := t.TempDir()
	first := UniqueTarget(root, "alice%2fa.txt")
	if filepath.Base(first) != "alice%2fa.txt" {
		t.Fatalf("first=%s", first)
	}
	touch(t, first)
	second := UniqueTarget(root, "alice%2fa.txt")
	if filepath.Base(second) != "alice%2fa-1.txt" {
		t.Fatalf("second=%s", second)
	}
	touch(t, second)
	third := UniqueTarget(root, "alice%2fa.txt")
	if filepath.Base(third) != "alice%2fa-2.txt" {
		t.Fatalf("third=%s", third)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{in: "../../etc/passwd", want: "passwd"},
		{in: "my report (final).pdf", want: "my-report-final-.pdf"},
		{in: "...", want: "upload.bin"},
		{in: "", want: "upload.bin"},
		{in: ".hidden", want: "hidden"},
	}
	for _, tc := range cases {
		if got := SanitizeFilename(tc.in, ""); got != tc.want {
			t.Fatalf("SanitizeFilename(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestUniquePath(t *testing.T) {
	dir := t.TempDir()
	p, err := UniquePath(dir, "a.bin")
	if err != nil {
		t.Fatalf("UniquePath: %v", err)
	}
	touch(t, p)
	p2, err := UniquePath(dir, "a.bin")
	if err != nil {
		t.Fatalf("UniquePath: %v", err)
	}
	if filepath.Base(p2) != "a-1.bin" {
		t.Fatalf("p2=%s", p2)
	}
}

func TestResolveChild(t *testing.T) {
	root := t.TempDir()
	if _, err := ResolveChild(root, "sub/file.txt"); err != nil {
		t.Fatalf("ResolveChild: %v", err)
	}
	if _, err := ResolveChild(root, "../escape"); !errors.Is(err, ErrTraversal) {
		t.Fatalf("expected traversal error, got %v", err)
	}
}

func TestLayout(t *testing.T) {
	l := NewLayout(t.TempDir())
	if err := l.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	if _, err := os.Stat(l.Sent); err != nil {
		t.Fatalf("sent dir: %v", err)
	}
	if ManifestPath("/x/a.bin") != "/x/a.bin.ff3job" || !IsManifest("a.bin.ff3job") {
		t.Fatalf("manifest path helpers")
	}
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestManifestReservesName(t *testing.T) {
	dir := t.TempDir()
	touch(t, ManifestPath(filepath.Join(dir, "a.bin")))
	p, err := UniquePath(dir, "a.bin")
	if err != nil {
		t.Fatalf("UniquePath: %v", err)
	}
	if filepath.Base(p) != "a-1.bin" {
		t.Fatalf("p=%s", p)
	}
	if got := UniqueTarget(dir, "a.bin"); filepath.Base(got) != "a-1.bin" {
		t.Fatalf("target=%s", got)
	}
}

func TestSafeObjectName(t *testing.T) {
	cases := []struct{ in, want string }{
		{in: "alice%2fdocs%2fa.txt", want: "alice%2fdocs%2fa.txt"},
		{in: "..%2f..%2fetc%2fpasswd", want: "etc%2fpasswd"},
		{in: "a b%2fc", want: "a-b%2fc"},
		{in: "", want: "object.bin"},
		{in: "/", want: "object.bin"},
	}
	for _, tc := range cases {
		if got := SafeObjectName(tc.in); got != tc.want {
			t.Fatalf("SafeObjectName(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}
