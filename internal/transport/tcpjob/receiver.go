package tcpjob

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"time"

	"github.com/google/renameio"

	"github.com/kk-code-lab/ff3/internal/blob"
	"github.com/kk-code-lab/ff3/internal/config"
	"github.com/kk-code-lab/ff3/internal/job"
	"github.com/kk-code-lab/ff3/internal/logging"
	"github.com/kk-code-lab/ff3/internal/meta"
	"github.com/kk-code-lab/ff3/internal/storage/fs"
	"github.com/kk-code-lab/ff3/internal/storage/manifest"
	"github.com/kk-code-lab/ff3/internal/transport"
)

// Options configures a Receiver.
type Options struct {
	Layout  fs.Layout
	Blobs   *blob.Cache
	Mode    string
	Timeout time.Duration
	// Limits bounds the declared window and object sizes. A zero object
	// bound defaults to the upload limit.
	Limits job.Limits
	Meta   *meta.Store
	Logger *slog.Logger
}

// Receiver accepts jobs and either keeps their manifests (windowed mode)
// or reconstructs and verifies the object bytes (reconstruct mode).
type Receiver struct {
	layout  fs.Layout
	blobs   *blob.Cache
	mode    string
	timeout time.Duration
	limits  job.Limits
	meta    *meta.Store
	log     *slog.Logger
}

// NewReceiver returns a receiver with defaults filled in.
func NewReceiver(opts Options) *Receiver {
	if opts.Blobs == nil {
		opts.Blobs = blob.NewCache()
	}
	if opts.Mode == "" {
		opts.Mode = config.ReceiverWindowed
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Limits.MaxObjectSize <= 0 {
		opts.Limits.MaxObjectSize = config.DefaultMaxUploadBytes
	}
	return &Receiver{
		layout:  opts.Layout,
		blobs:   opts.Blobs,
		mode:    opts.Mode,
		timeout: opts.Timeout,
		limits:  opts.Limits,
		meta:    opts.Meta,
		log:     logging.OrDefault(opts.Logger).With("component", "tcpjob"),
	}
}

// ListenAndServe serves addr until ctx is cancelled.
func (r *Receiver) ListenAndServe(ctx context.Context, addr string) error {
	if err := r.layout.EnsureDirs(); err != nil {
		return err
	}
	return transport.Listen(ctx, addr, r.log, r.handle)
}

// Serve serves an existing listener until ctx is cancelled.
func (r *Receiver) Serve(ctx context.Context, ln net.Listener) error {
	if err := r.layout.EnsureDirs(); err != nil {
		return err
	}
	return transport.Serve(ctx, ln, r.log, r.handle)
}

func (r *Receiver) handle(ctx context.Context, conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(r.timeout))
	peer := conn.RemoteAddr().String()
	j, err := ReadJob(conn)
	if err != nil {
		r.log.Warn("job rejected", "peer", peer, "err", err)
		return
	}
	path, err := r.Store(ctx, j)
	if err != nil {
		r.log.Error("job store failed", "peer", peer, "object", j.ObjectName, "err", err)
		return
	}
	if err := WriteAck(conn); err != nil {
		r.log.Warn("ack failed", "peer", peer, "err", err)
		return
	}
	r.log.Info("job received", "peer", peer, "object", j.ObjectName, "size", j.ObjectSize, "mode", r.mode, "path", path)
}

// Store persists j according to the receiver mode and returns the path
// written. Jobs declaring sizes beyond the receiver limits are rejected
// before anything is decoded or written.
func (r *Receiver) Store(ctx context.Context, j *job.TransferJob) (string, error) {
	if err := r.limits.Check(j); err != nil {
		return "", err
	}
	name := fs.SafeObjectName(j.ObjectName)
	var (
		path string
		err  error
	)
	switch r.mode {
	case config.ReceiverReconstruct:
		path = fs.UniqueTarget(r.layout.Outbox, name)
		err = r.reconstruct(ctx, j, path)
	default:
		path, err = manifest.Write(fs.UniqueTarget(r.layout.Inbox, name), j)
	}
	if err != nil {
		if path != "" {
			r.record(ctx, j, path, meta.StateFailed, err.Error())
		}
		return "", err
	}
	r.record(ctx, j, path, meta.StateReceived, "")
	return path, nil
}

func (r *Receiver) record(ctx context.Context, j *job.TransferJob, path, state, errMsg string) {
	if r.meta == nil {
		return
	}
	if err := r.meta.RecordTransfer(ctx, meta.Transfer{
		SHA256:       j.SHA256,
		ObjectName:   j.ObjectName,
		ObjectSize:   j.ObjectSize,
		WindowSize:   j.WindowSize,
		TotalWindows: j.TotalWindows,
		Path:         path,
		State:        state,
		Transport:    "tcp",
		Error:        errMsg,
	}); err != nil {
		r.log.Warn("ledger record failed", "path", path, "err", err)
	}
}

// reconstruct writes the object atomically; a digest mismatch leaves
// nothing behind.
func (r *Receiver) reconstruct(ctx context.Context, j *job.TransferJob, dest string) error {
	pending, err := renameio.TempFile(filepath.Dir(dest), dest)
	if err != nil {
		return err
	}
	defer pending.Cleanup()
	if err := job.ReconstructVerified(ctx, j, r.blobs.Get(j.Blob), pending); err != nil {
		return fmt.Errorf("tcpjob: reconstruct %s: %w", j.ObjectName, err)
	}
	return pending.CloseAtomicallyReplace()
}
