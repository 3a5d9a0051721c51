package chunk

import (
	"bytes"
	"testing"
)

func FuzzFixedSplitter(f *testing.F) {
	f.Add([]byte("hello"), 3)
	f.Add([]byte("hello"), 0)
	f.Fuzz(func(t *testing.T, data []byte, size int) {
		if size > 1<<20 {
			size = 1 << 20
		}
		splitter := NewFixedSplitter(size)
		var (
			lastIndex = -1
			total     int
		)
		sum, err := splitter.Split(bytes.NewReader(data), func(w Window) error {
			if w.Index <= lastIndex {
				t.Fatalf("window index not increasing: %d <= %d", w.Index, lastIndex)
			}
			lastIndex = w.Index
			total += len(w.Data)
			return nil
		})
		if err != nil {
			return
		}
		if total != len(data) || sum.Bytes != int64(len(data)) {
			t.Fatalf("splitter total=%d want=%d", total, len(data))
		}
		if WindowCount(sum.Bytes, splitter.Size) < sum.Windows {
			t.Fatalf("window count %d exceeds ceil", sum.Windows)
		}
	})
}
