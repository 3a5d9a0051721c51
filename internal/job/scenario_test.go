package job

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/kk-code-lab/ff3/internal/blob"
	"github.com/kk-code-lab/ff3/internal/codec"
	"github.com/kk-code-lab/ff3/internal/match"
)

func TestRoundTripDefaultBlob(t *testing.T) {
	if testing.Short() {
		t.Skip("builds a 4 MiB blob index")
	}
	bl := blob.New(blob.Descriptor{Size: 4 << 20, Seed: 1337})
	data, err := bl.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	rng := rand.New(rand.NewSource(7))
	content := make([]byte, 0, 200<<10)
	for len(content) < 200<<10 {
		lit := make([]byte, 100+rng.Intn(400))
		rng.Read(lit)
		content = append(content, lit...)
		off := rng.Intn(len(data) - 8192)
		content = append(content, data[off:off+1024+rng.Intn(7168)]...)
	}
	content = content[:200<<10]
	path := writeFile(t, t.TempDir(), "report.bin", content)

	b := NewBuilder(Options{WindowSize: 64 << 10, Match: match.Options{MinMatch: 8}})
	j, err := b.Build(context.Background(), path, bl)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if j.TotalWindows != 4 || j.ObjectSize != 200<<10 {
		t.Fatalf("windows=%d size=%d", j.TotalWindows, j.ObjectSize)
	}
	if j.SHA256 != sha(content) {
		t.Fatalf("job sha %s want %s", j.SHA256, sha(content))
	}
	var out bytes.Buffer
	if err := ReconstructVerified(context.Background(), j, bl, &out); err != nil {
		t.Fatalf("ReconstructVerified: %v", err)
	}
	if !bytes.Equal(out.Bytes(), content) || sha(out.Bytes()) != sha(content) {
		t.Fatalf("reconstruct mismatch")
	}
	if m := ComputeMetrics(j); m.CompressionRatio <= 1 {
		t.Fatalf("no compression on blob-heavy input: %+v", m)
	}
}

func TestNoMatchesIsPassthrough(t *testing.T) {
	bl := blob.New(blob.Descriptor{Size: 1 << 16, Seed: 1337})
	content := make([]byte, 3*1024+100)
	rand.New(rand.NewSource(99)).Read(content)
	path := writeFile(t, t.TempDir(), "noise.bin", content)

	j, err := NewBuilder(Options{WindowSize: 1024, Match: match.Options{MinMatch: 8}}).Build(context.Background(), path, bl)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if j.TotalWindows != 4 {
		t.Fatalf("windows=%d", j.TotalWindows)
	}
	for _, w := range j.Windows {
		if len(w.Bref) != 0 {
			t.Fatalf("window %d has refs %+v", w.Idx, w.Bref)
		}
		raw, err := codec.DecodeBase64(w.Proto)
		if err != nil {
			t.Fatalf("window %d: %v", w.Idx, err)
		}
		table, err := codec.Inspect(raw)
		if err != nil || len(table) != 0 {
			t.Fatalf("window %d table=%+v err=%v", w.Idx, table, err)
		}
		start := w.Idx * 1024
		end := min(start+1024, len(content))
		if want := codec.EncodeBinary(content[start:end], nil); !bytes.Equal(raw, want) {
			t.Fatalf("window %d is not a single literal", w.Idx)
		}
		// magic, empty table count, then one LIT opcode.
		if raw[len(codec.Magic)+1] != codec.OpLit || raw[len(raw)-1] != codec.OpEnd {
			t.Fatalf("window %d opcodes % x", w.Idx, raw[len(codec.Magic):len(codec.Magic)+2])
		}
	}
	var out bytes.Buffer
	if err := ReconstructVerified(context.Background(), j, bl, &out); err != nil {
		t.Fatalf("ReconstructVerified: %v", err)
	}
	if !bytes.Equal(out.Bytes(), content) {
		t.Fatalf("reconstruct mismatch")
	}
}
