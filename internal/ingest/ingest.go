// Package ingest turns incoming bytes into jobs: uploads land in the inbox,
// are encoded against the shared blob, and leave a .ff3job manifest behind.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kk-code-lab/ff3/internal/blob"
	"github.com/kk-code-lab/ff3/internal/config"
	"github.com/kk-code-lab/ff3/internal/job"
	"github.com/kk-code-lab/ff3/internal/logging"
	"github.com/kk-code-lab/ff3/internal/meta"
	"github.com/kk-code-lab/ff3/internal/storage/fs"
	"github.com/kk-code-lab/ff3/internal/storage/manifest"
	"github.com/kk-code-lab/ff3/internal/storage/spool"
)

const defaultUploadName = "upload.bin"

var (
	// ErrUploadTooLarge reports an upload over the configured byte limit.
	ErrUploadTooLarge = errors.New("ingest: upload too large")
	// ErrUpload wraps failures persisting an upload.
	ErrUpload = errors.New("ingest: failed to persist upload")
)

// Options configures an Ingestor.
type Options struct {
	Layout    fs.Layout
	Builder   *job.Builder
	Blobs     *blob.Cache
	Blob      blob.Descriptor
	MaxBytes  int64
	StoreMode string
	Meta      *meta.Store
	Logger    *slog.Logger
}

// Ingestor stores uploads and queues jobs for them.
type Ingestor struct {
	layout    fs.Layout
	builder   *job.Builder
	blobs     *blob.Cache
	blobDesc  blob.Descriptor
	maxBytes  int64
	storeMode string
	meta      *meta.Store
	log       *slog.Logger
}

// New creates an ingestor and its directories.
func New(opts Options) (*Ingestor, error) {
	if opts.Layout.Root == "" && opts.Layout.Inbox == "" {
		return nil, errors.New("ingest: layout required")
	}
	if opts.Builder == nil {
		opts.Builder = job.NewBuilder(job.Options{})
	}
	if opts.Blobs == nil {
		opts.Blobs = blob.NewCache()
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = config.DefaultMaxUploadBytes
	}
	if opts.StoreMode == "" {
		opts.StoreMode = config.StoreWindowed
	}
	ing := &Ingestor{
		layout:    opts.Layout,
		builder:   opts.Builder,
		blobs:     opts.Blobs,
		blobDesc:  opts.Blob,
		maxBytes:  opts.MaxBytes,
		storeMode: strings.ToLower(opts.StoreMode),
		meta:      opts.Meta,
		log:       logging.OrDefault(opts.Logger).With("component", "ingest"),
	}
	if err := ing.layout.EnsureDirs(); err != nil {
		return nil, err
	}
	return ing, nil
}

// Layout returns the directory layout in use.
func (i *Ingestor) Layout() fs.Layout { return i.layout }

// Blob returns the shared blob for this ingestor.
func (i *Ingestor) Blob() *blob.Blob { return i.blobs.Get(i.blobDesc) }

// keepOriginal reports whether the original bytes stay next to the
// manifest. Every mode except the virtual ones keeps them.
func (i *Ingestor) keepOriginal() bool {
	switch i.storeMode {
	case config.StoreWindowed, "manifest", "virtual":
		return false
	}
	return true
}

// IngestStream writes r into the inbox under a sanitized unique name,
// builds its job and writes the manifest. The job is not queued.
func (i *Ingestor) IngestStream(ctx context.Context, filename string, r io.Reader) (*UploadResult, error) {
	name := fs.SanitizeFilename(filename, defaultUploadName)
	target, err := fs.UniquePath(i.layout.Inbox, name)
	if err != nil {
		return nil, err
	}
	written, err := i.persist(target, r)
	if err != nil {
		return nil, err
	}
	j, err := i.builder.Build(ctx, target, i.Blob())
	if err != nil {
		_ = os.Remove(target)
		return nil, err
	}
	res, err := i.finish(target, j, "")
	if err != nil {
		return nil, err
	}
	res.BytesWritten = written
	i.log.Info("upload stored", "name", res.Filename, "bytes", written, "windows", j.TotalWindows, "stored", res.StoredPath)
	return res, nil
}

// BuildForPath builds the job for an existing file, queues it to the
// spool and writes its manifest.
func (i *Ingestor) BuildForPath(ctx context.Context, path string) (*UploadResult, error) {
	if err := i.layout.EnsureDirs(); err != nil {
		return nil, err
	}
	j, err := i.builder.Build(ctx, path, i.Blob())
	if err != nil {
		return nil, err
	}
	jobPath, err := spool.Write(i.layout.Spool, j)
	if err != nil {
		return nil, err
	}
	res, err := i.finish(path, j, jobPath)
	if err != nil {
		return nil, err
	}
	res.BytesWritten = j.ObjectSize
	if i.meta != nil {
		if err := i.meta.RecordTransfer(ctx, meta.Transfer{
			SHA256:       j.SHA256,
			ObjectName:   j.ObjectName,
			ObjectSize:   j.ObjectSize,
			WindowSize:   j.WindowSize,
			TotalWindows: j.TotalWindows,
			Path:         jobPath,
			State:        meta.StateQueued,
		}); err != nil {
			i.log.Warn("ledger record failed", "path", jobPath, "err", err)
		}
	}
	i.log.Info("job queued", "object", j.ObjectName, "size", j.ObjectSize, "spool", jobPath)
	return res, nil
}

func (i *Ingestor) finish(target string, j *job.TransferJob, jobPath string) (*UploadResult, error) {
	manifestPath, err := manifest.Write(target, j)
	if err != nil {
		return nil, err
	}
	stored := target
	if !i.keepOriginal() {
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			i.log.Warn("remove original failed", "path", target, "err", err)
		}
		stored = manifestPath
	}
	return &UploadResult{
		Filename:     filepath.Base(target),
		StoredPath:   stored,
		JobPath:      jobPath,
		ManifestPath: manifestPath,
		Job:          j,
	}, nil
}

func (i *Ingestor) persist(target string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUpload, err)
	}
	n, err := io.Copy(f, io.LimitReader(r, i.maxBytes+1))
	closeErr := f.Close()
	switch {
	case err != nil:
		_ = os.Remove(target)
		return 0, fmt.Errorf("%w: %v", ErrUpload, err)
	case n > i.maxBytes:
		_ = os.Remove(target)
		return 0, fmt.Errorf("%w: exceeds %d bytes", ErrUploadTooLarge, i.maxBytes)
	case closeErr != nil:
		_ = os.Remove(target)
		return 0, fmt.Errorf("%w: %v", ErrUpload, closeErr)
	}
	return n, nil
}
