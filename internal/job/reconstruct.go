package job

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/kk-code-lab/ff3/internal/codec"
	"github.com/kk-code-lab/ff3/internal/storage/chunk"
)

// ErrDigestMismatch reports a reconstructed object whose SHA-256 differs
// from the job.
var ErrDigestMismatch = errors.New("job: sha256 mismatch")

// DecodeWindow materializes w as exactly windowSize bytes. A proto wins over
// raw bytes; a window with only blob refs is rebuilt from them with zero fill.
func DecodeWindow(w Window, b codec.BlobReader, windowSize int) ([]byte, error) {
	if windowSize > MaxWindowSize {
		return nil, fmt.Errorf("%w: %d", ErrWindowTooLarge, windowSize)
	}
	if w.Proto != "" {
		return codec.DecodeString(w.Proto, b, windowSize)
	}
	out := make([]byte, windowSize)
	if w.Raw != "" {
		raw, err := base64.StdEncoding.DecodeString(w.Raw)
		if err != nil {
			return nil, fmt.Errorf("job: window %d raw: %w", w.Idx, err)
		}
		copy(out, raw)
		return out, nil
	}
	for _, ref := range w.Bref {
		if ref.Length <= 0 || ref.At < 0 || ref.At >= windowSize {
			continue
		}
		n := ref.Length
		if ref.At+n > windowSize {
			n = windowSize - ref.At
		}
		seg, err := b.Read(ref.Offset, n)
		if err != nil {
			return nil, err
		}
		copy(out[ref.At:], seg)
	}
	return out, nil
}

// Reconstruct writes the object described by j to w and returns its SHA-256
// hex digest. Windows are emitted in index order; absent windows become
// zeros so later repairs can patch them in place.
func Reconstruct(ctx context.Context, j *TransferJob, b codec.BlobReader, w io.Writer) (string, error) {
	if err := checkWindowSize(j.WindowSize); err != nil {
		return "", err
	}
	byIdx := make(map[int]Window, len(j.Windows))
	for _, win := range j.Windows {
		byIdx[win.Idx] = win
	}
	hasher := sha256.New()
	out := io.MultiWriter(w, hasher)
	total := chunk.WindowCount(j.ObjectSize, j.WindowSize)
	for idx := 0; idx < total; idx++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n := j.WindowLength(idx)
		if n == 0 {
			continue
		}
		win, ok := byIdx[idx]
		var data []byte
		if ok {
			var err error
			if data, err = DecodeWindow(win, b, j.WindowSize); err != nil {
				return "", fmt.Errorf("job: window %d: %w", idx, err)
			}
		} else {
			data = make([]byte, j.WindowSize)
		}
		if _, err := out.Write(data[:n]); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ReconstructVerified is Reconstruct followed by a digest check.
func ReconstructVerified(ctx context.Context, j *TransferJob, b codec.BlobReader, w io.Writer) error {
	got, err := Reconstruct(ctx, j, b, w)
	if err != nil {
		return err
	}
	if j.SHA256 != "" && got != j.SHA256 {
		return fmt.Errorf("%w: got %s want %s", ErrDigestMismatch, got, j.SHA256)
	}
	return nil
}

// WindowDigests returns the SHA-256 hex of every window of the object as
// reconstructed from j, trimmed to the object's window lengths.
func WindowDigests(ctx context.Context, j *TransferJob, b codec.BlobReader) ([]string, error) {
	if err := checkWindowSize(j.WindowSize); err != nil {
		return nil, err
	}
	windows := append([]Window(nil), j.Windows...)
	sort.SliceStable(windows, func(a, c int) bool { return windows[a].Idx < windows[c].Idx })
	total := chunk.WindowCount(j.ObjectSize, j.WindowSize)
	out := make([]string, total)
	for i := range out {
		out[i] = chunk.SHA256Hex(make([]byte, j.WindowLength(i)))
	}
	for _, win := range windows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if win.Idx < 0 || win.Idx >= total {
			continue
		}
		data, err := DecodeWindow(win, b, j.WindowSize)
		if err != nil {
			return nil, fmt.Errorf("job: window %d: %w", win.Idx, err)
		}
		out[win.Idx] = chunk.SHA256Hex(data[:j.WindowLength(win.Idx)])
	}
	return out, nil
}

// StreamDigests returns per-window SHA-256 hex digests of a raw stream cut
// at windowSize. An empty stream yields the digest of the empty window.
func StreamDigests(r io.Reader, windowSize int) ([]string, string, error) {
	var out []string
	sum, err := chunk.NewFixedSplitter(windowSize).Split(r, func(w chunk.Window) error {
		out = append(out, chunk.SHA256Hex(w.Data))
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	if len(out) == 0 {
		out = append(out, chunk.SHA256Hex(nil))
	}
	return out, sum.SHA256, nil
}
