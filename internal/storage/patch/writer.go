// Package patch applies repaired windows to a target file in place.
package patch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Writer performs positional window writes into one target file.
type Writer struct {
	path       string
	windowSize int
	file       *os.File
}

// Stats summarizes an applied repair stream.
type Stats struct {
	Frames int
	Bytes  int64
}

// Open opens path for positional writes, creating it and its parent
// directory if absent. Caller owns Close.
func Open(path string, windowSize int) (*Writer, error) {
	if windowSize <= 0 {
		return nil, errors.New("patch: window size must be positive")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return &Writer{path: path, windowSize: windowSize, file: file}, nil
}

// WriteWindow writes data at idx*windowSize.
func (w *Writer) WriteWindow(idx uint32, data []byte) error {
	if w.file == nil {
		return errors.New("patch: writer closed")
	}
	if len(data) > w.windowSize {
		return ErrFrameTooLarge
	}
	_, err := w.file.WriteAt(data, int64(idx)*int64(w.windowSize))
	return err
}

// Apply reads frames from r until the sentinel and writes each payload.
func (w *Writer) Apply(r io.Reader) (Stats, error) {
	var st Stats
	buf := make([]byte, w.windowSize)
	for {
		h, err := DecodeFrameHeader(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return st, ErrShortFrame
			}
			return st, err
		}
		if h.Sentinel() {
			return st, nil
		}
		if err := ValidateFrame(h, w.windowSize); err != nil {
			return st, err
		}
		payload := buf[:h.Len]
		if _, err := io.ReadFull(r, payload); err != nil {
			return st, fmt.Errorf("%w: idx=%d: %v", ErrShortFrame, h.Index, err)
		}
		if err := w.WriteWindow(h.Index, payload); err != nil {
			return st, err
		}
		st.Frames++
		st.Bytes += int64(h.Len)
	}
}

// Path returns the target path.
func (w *Writer) Path() string { return w.path }

// Sync flushes file contents to disk.
func (w *Writer) Sync() error {
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
