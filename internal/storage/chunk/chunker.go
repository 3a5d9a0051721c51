package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
)

// DefaultSize is the default window size (64 KiB).
const DefaultSize = 64 << 10

// Window is one fixed-size slice of a source stream.
type Window struct {
	Index  int
	Offset int64
	Hash   [32]byte
	Data   []byte
}

// Summary describes the whole stream after a split.
type Summary struct {
	Windows int
	Bytes   int64
	SHA256  string
}

// Splitter streams windows to a callback.
type Splitter interface {
	Split(r io.Reader, fn func(Window) error) (Summary, error)
}

// FixedSplitter splits streams into fixed-size windows.
type FixedSplitter struct {
	Size int
}

// NewFixedSplitter creates a fixed-size splitter.
func NewFixedSplitter(size int) *FixedSplitter {
	if size <= 0 {
		size = DefaultSize
	}
	return &FixedSplitter{Size: size}
}

// ErrStop may be returned by the callback to end a split early without error.
var ErrStop = errors.New("chunk: stop")

// Split streams windows to the callback; the final window may be smaller.
// The SHA-256 in the summary covers every byte read, so it is only the object
// digest when the split runs to the end.
func (s *FixedSplitter) Split(r io.Reader, fn func(Window) error) (Summary, error) {
	hasher := sha256.New()
	buf := make([]byte, s.Size)
	var sum Summary
	finish := func() Summary {
		sum.SHA256 = hex.EncodeToString(hasher.Sum(nil))
		return sum
	}
	for {
		n, err := io.ReadFull(r, buf)
		if err == io.EOF {
			return finish(), nil
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return finish(), err
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		hasher.Write(data)
		w := Window{
			Index:  sum.Windows,
			Offset: sum.Bytes,
			Hash:   Hash(data),
			Data:   data,
		}
		sum.Windows++
		sum.Bytes += int64(n)
		if cbErr := fn(w); cbErr != nil {
			if errors.Is(cbErr, ErrStop) {
				return finish(), nil
			}
			return finish(), cbErr
		}
		if err == io.ErrUnexpectedEOF {
			return finish(), nil
		}
	}
}
