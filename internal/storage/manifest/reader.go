package manifest

import (
	"context"
	"errors"
	"io"

	"github.com/kk-code-lab/ff3/internal/codec"
	"github.com/kk-code-lab/ff3/internal/job"
	"github.com/kk-code-lab/ff3/internal/storage/chunk"
)

// ErrInvalidRange reports a range outside the object.
var ErrInvalidRange = errors.New("manifest: invalid range")

// objectReader decodes one window at a time, so memory stays bounded by the
// window size regardless of object size.
type objectReader struct {
	ctx     context.Context
	job     *job.TransferJob
	blob    codec.BlobReader
	windows map[int]job.Window
	next    int
	end     int64
	pos     int64
	buf     []byte
	bufOff  int
}

// OpenObject returns a reader over the bytes described by j. Windows that are
// absent from the job read as zeros.
func OpenObject(ctx context.Context, j *job.TransferJob, b codec.BlobReader) (io.ReadCloser, error) {
	return OpenRange(ctx, j, b, 0, j.ObjectSize)
}

// OpenRange returns a reader over [start, start+length) of the object.
func OpenRange(ctx context.Context, j *job.TransferJob, b codec.BlobReader, start, length int64) (io.ReadCloser, error) {
	if j.WindowSize <= 0 {
		return nil, job.ErrWindowSize
	}
	if start < 0 || length < 0 || start+length > j.ObjectSize {
		return nil, ErrInvalidRange
	}
	if ctx == nil {
		ctx = context.Background()
	}
	windows := make(map[int]job.Window, len(j.Windows))
	for _, w := range j.Windows {
		windows[w.Idx] = w
	}
	r := &objectReader{
		ctx:     ctx,
		job:     j,
		blob:    b,
		windows: windows,
		next:    int(start / int64(j.WindowSize)),
		pos:     start,
		end:     start + length,
	}
	return r, nil
}

func (r *objectReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	for n < len(p) {
		if r.buf == nil || r.bufOff >= len(r.buf) {
			if err := r.loadNextWindow(); err != nil {
				if errors.Is(err, io.EOF) && n > 0 {
					return n, nil
				}
				return n, err
			}
		}
		copied := copy(p[n:], r.buf[r.bufOff:])
		n += copied
		r.bufOff += copied
		if err := r.ctx.Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (r *objectReader) Close() error {
	r.buf = nil
	return nil
}

func (r *objectReader) loadNextWindow() error {
	if r.pos >= r.end {
		return io.EOF
	}
	idx := r.next
	span := chunk.WindowSpan(idx, r.job.WindowSize, r.job.ObjectSize)
	var data []byte
	if w, ok := r.windows[idx]; ok {
		decoded, err := job.DecodeWindow(w, r.blob, r.job.WindowSize)
		if err != nil {
			return err
		}
		data = decoded[:span.Len]
	} else {
		data = make([]byte, span.Len)
	}
	lo := r.pos - span.Offset
	hi := span.Len
	if span.End() > r.end {
		hi = r.end - span.Offset
	}
	r.buf = data[lo:hi]
	r.bufOff = 0
	r.pos = span.Offset + hi
	r.next++
	return nil
}
