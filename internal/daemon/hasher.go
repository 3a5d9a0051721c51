package daemon

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kk-code-lab/ff3/internal/blob"
	"github.com/kk-code-lab/ff3/internal/checkpoint"
	"github.com/kk-code-lab/ff3/internal/clock"
	"github.com/kk-code-lab/ff3/internal/job"
	"github.com/kk-code-lab/ff3/internal/logging"
	"github.com/kk-code-lab/ff3/internal/meta"
	"github.com/kk-code-lab/ff3/internal/storage/spool"
)

const DefaultHasherInterval = 2 * time.Second

// HasherOptions configures a Hasher.
type HasherOptions struct {
	Input   string
	Spool   string
	Builder *job.Builder
	Blob    *blob.Blob
	// Watch wakes the loop on directory events between polls.
	Watch      bool
	Interval   time.Duration
	Checkpoint *checkpoint.Checkpoint
	Meta       *meta.Store
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Hasher queues a job for every new or modified file in the input
// directory. Source files are left in place.
type Hasher struct {
	opts HasherOptions
	log  *slog.Logger
}

// NewHasher returns a hasher.
func NewHasher(opts HasherOptions) (*Hasher, error) {
	if opts.Input == "" || opts.Spool == "" || opts.Blob == nil {
		return nil, errors.New("daemon: hasher needs input, spool and blob")
	}
	if opts.Builder == nil {
		opts.Builder = job.NewBuilder(job.Options{})
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultHasherInterval
	}
	if opts.Checkpoint == nil {
		opts.Checkpoint = checkpoint.New()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Hasher{opts: opts, log: logging.OrDefault(opts.Logger).With("component", "hasher")}, nil
}

// Run scans until ctx is cancelled.
func (h *Hasher) Run(ctx context.Context) error {
	if err := os.MkdirAll(h.opts.Input, 0o755); err != nil {
		return err
	}
	var events chan fsnotify.Event
	if h.opts.Watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		defer w.Close()
		if err := w.Add(h.opts.Input); err != nil {
			return err
		}
		events = w.Events
		go func() {
			for err := range w.Errors {
				h.log.Warn("watch error", "err", err)
			}
		}()
	}
	h.log.Info("watching", "input", h.opts.Input, "interval", h.opts.Interval, "notify", h.opts.Watch)
	for {
		if _, err := h.ScanOnce(ctx); err != nil && ctx.Err() == nil {
			h.log.Warn("scan failed", "err", err)
		}
		if err := h.wait(ctx, events); err != nil {
			return nil
		}
	}
}

// wait sleeps one interval, returning early on a directory event.
func (h *Hasher) wait(ctx context.Context, events <-chan fsnotify.Event) error {
	if events == nil {
		return h.opts.Clock.Sleep(ctx, h.opts.Interval)
	}
	sleepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	woke := make(chan error, 1)
	go func() { woke <- h.opts.Clock.Sleep(sleepCtx, h.opts.Interval) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-events:
		h.log.Debug("input event", "name", ev.Name, "op", ev.Op.String())
		return nil
	case <-woke:
		return ctx.Err()
	}
}

// ScanOnce queues every changed regular file and returns how many were
// queued. Hidden files are skipped.
func (h *Hasher) ScanOnce(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(h.opts.Input)
	if err != nil {
		return 0, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	keep := make(map[string]bool, len(names))
	queued := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return queued, err
		}
		path := filepath.Join(h.opts.Input, name)
		keep[path] = true
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if !h.opts.Checkpoint.Changed(path, info.ModTime()) {
			continue
		}
		if err := h.queue(ctx, path); err != nil {
			h.log.Warn("queue failed", "path", path, "err", err)
			continue
		}
		h.opts.Checkpoint.Mark(path, info.ModTime())
		queued++
	}
	h.opts.Checkpoint.Forget(keep)
	if err := h.opts.Checkpoint.Save(); err != nil {
		h.log.Warn("checkpoint save failed", "err", err)
	}
	return queued, nil
}

func (h *Hasher) queue(ctx context.Context, path string) error {
	j, err := h.opts.Builder.Build(ctx, path, h.opts.Blob)
	if err != nil {
		return err
	}
	jobPath, err := spool.Write(h.opts.Spool, j)
	if err != nil {
		return err
	}
	if h.opts.Meta != nil {
		if err := h.opts.Meta.RecordTransfer(ctx, meta.Transfer{
			SHA256:       j.SHA256,
			ObjectName:   j.ObjectName,
			ObjectSize:   j.ObjectSize,
			WindowSize:   j.WindowSize,
			TotalWindows: j.TotalWindows,
			Path:         jobPath,
			State:        meta.StateQueued,
		}); err != nil {
			h.log.Warn("ledger record failed", "path", jobPath, "err", err)
		}
	}
	h.log.Info("queued", "name", j.ObjectName, "windows", j.TotalWindows, "spool", jobPath)
	return nil
}
