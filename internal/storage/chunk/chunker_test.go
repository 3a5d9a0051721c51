package chunk

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestFixedSplitterBoundaries(t *testing.T) {
	size := 8
	cases := []struct {
		name      string
		inputSize int
		wantCnt   int
	}{
		{name: "empty", inputSize: 0, wantCnt: 0},
		{name: "one", inputSize: 1, wantCnt: 1},
		{name: "size-1", inputSize: size - 1, wantCnt: 1},
		{name: "size", inputSize: size, wantCnt: 1},
		{name: "size+1", inputSize: size + 1, wantCnt: 2},
		{name: "double+tail", inputSize: size*2 + 3, wantCnt: 3},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			input := make([]byte, tc.inputSize)
			for i := range input {
				input[i] = byte(i % 251)
			}
			var got []Window
			sum, err := NewFixedSplitter(size).Split(bytes.NewReader(input), func(w Window) error {
				got = append(got, w)
				return nil
			})
			if err != nil {
				t.Fatalf("Split: %v", err)
			}
			if len(got) != tc.wantCnt || sum.Windows != tc.wantCnt {
				t.Fatalf("expected %d windows, got %d (summary %d)", tc.wantCnt, len(got), sum.Windows)
			}
			want := sha256.Sum256(input)
			if sum.SHA256 != hex.EncodeToString(want[:]) {
				t.Fatalf("sha mismatch")
			}
			var rebuilt []byte
			for i, w := range got {
				if w.Index != i {
					t.Fatalf("window index mismatch: got %d want %d", w.Index, i)
				}
				if w.Offset != int64(i*size) {
					t.Fatalf("window offset mismatch: got %d", w.Offset)
				}
				if w.Hash != Hash(w.Data) {
					t.Fatalf("hash mismatch for window %d", i)
				}
				rebuilt = append(rebuilt, w.Data...)
			}
			if !bytes.Equal(rebuilt, input) {
				t.Fatalf("rebuild mismatch")
			}
		})
	}
}

func TestSplitStop(t *testing.T) {
	calls := 0
	_, err := NewFixedSplitter(2).Split(bytes.NewReader([]byte("abcdef")), func(Window) error {
		calls++
		return ErrStop
	})
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls=%d", calls)
	}
}

func TestWindowSpan(t *testing.T) {
	cases := []struct {
		idx  int
		size int64
		want Span
	}{
		{idx: 0, size: 10, want: Span{Offset: 0, Len: 4}},
		{idx: 2, size: 10, want: Span{Offset: 8, Len: 2}},
		{idx: 3, size: 10, want: Span{Offset: 12}},
		{idx: 0, size: 0, want: Span{}},
	}
	for _, tc := range cases {
		if got := WindowSpan(tc.idx, 4, tc.size); got != tc.want {
			t.Fatalf("WindowSpan(%d,%d)=%+v want %+v", tc.idx, tc.size, got, tc.want)
		}
	}
	if WindowCount(10, 4) != 3 || WindowCount(0, 4) != 1 || WindowCount(8, 4) != 2 {
		t.Fatalf("WindowCount mismatch")
	}
}
