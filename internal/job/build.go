package job

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/kk-code-lab/ff3/internal/blob"
	"github.com/kk-code-lab/ff3/internal/codec"
	"github.com/kk-code-lab/ff3/internal/match"
	"github.com/kk-code-lab/ff3/internal/storage/chunk"
)

// Options configures job building.
type Options struct {
	WindowSize int
	Match      match.Options
}

// Builder encodes files into jobs. It keeps one matcher per blob so the
// candidate index is built once per process.
type Builder struct {
	windowSize int
	matchOpts  match.Options

	mu       sync.Mutex
	matchers map[*blob.Blob]*match.Matcher
}

// NewBuilder creates a builder, filling defaults for zero options.
func NewBuilder(opts Options) *Builder {
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultWindowSize
	}
	return &Builder{
		windowSize: opts.WindowSize,
		matchOpts:  opts.Match,
		matchers:   make(map[*blob.Blob]*match.Matcher),
	}
}

// WindowSize returns the configured window size.
func (b *Builder) WindowSize() int { return b.windowSize }

func (b *Builder) matcher(bl *blob.Blob) (*match.Matcher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.matchers[bl]; ok {
		return m, nil
	}
	data, err := bl.Bytes()
	if err != nil {
		return nil, err
	}
	m := match.New(data, b.matchOpts)
	b.matchers[bl] = m
	return m, nil
}

// Build encodes the regular file at path. The job's object name is the
// file's base name.
func (b *Builder) Build(ctx context.Context, path string, bl *blob.Blob) (*TransferJob, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("job: %s is not a regular file", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return b.BuildReader(ctx, filepath.Base(path), f, bl)
}

// BuildReader encodes everything read from r.
func (b *Builder) BuildReader(ctx context.Context, name string, r io.Reader, bl *blob.Blob) (*TransferJob, error) {
	m, err := b.matcher(bl)
	if err != nil {
		return nil, err
	}
	j := &TransferJob{
		ObjectName: name,
		WindowSize: b.windowSize,
		Blob:       bl.Descriptor(),
	}
	sum, err := chunk.NewFixedSplitter(b.windowSize).Split(r, func(w chunk.Window) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		runs := m.FindRuns(w.Data)
		refs := make([]BlobRef, 0, len(runs))
		for _, run := range runs {
			refs = append(refs, BlobRef{Offset: run.Offset, Length: run.Length, At: run.At})
		}
		j.Windows = append(j.Windows, Window{
			Idx:   w.Index,
			Bref:  refs,
			Proto: codec.Encode(w.Data, runs),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if sum.Windows == 0 {
		j.Windows = append(j.Windows, Window{Idx: 0, Bref: []BlobRef{}, Proto: codec.Encode(nil, nil)})
	}
	j.ObjectSize = sum.Bytes
	j.TotalWindows = len(j.Windows)
	j.SHA256 = sum.SHA256
	return j, nil
}
