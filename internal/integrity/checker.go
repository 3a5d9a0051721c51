package integrity

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kk-code-lab/ff3/internal/blob"
	"github.com/kk-code-lab/ff3/internal/checkpoint"
	"github.com/kk-code-lab/ff3/internal/clock"
	"github.com/kk-code-lab/ff3/internal/job"
	"github.com/kk-code-lab/ff3/internal/logging"
	"github.com/kk-code-lab/ff3/internal/storage/fs"
	"github.com/kk-code-lab/ff3/internal/storage/manifest"
)

const DefaultInterval = 5 * time.Second

// CheckerOptions configures a Checker.
type CheckerOptions struct {
	// Inbox is scanned for .ff3job manifests.
	Inbox  string
	Blobs  *blob.Cache
	Client *Client
	// Receiver names this host's repair server. Stored and User are
	// filled in per manifest.
	Receiver   ReceiverInfo
	Interval   time.Duration
	Checkpoint *checkpoint.Checkpoint
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Checker is the receiver-side integrity daemon.
type Checker struct {
	opts CheckerOptions
	log  *slog.Logger
}

// Result is the outcome of checking one manifest.
type Result struct {
	Manifest   string `json:"manifest"`
	SHA256     string `json:"sha256"`
	Windows    int    `json:"windows"`
	Mismatched []int  `json:"mismatched,omitempty"`
	Repaired   bool   `json:"repaired"`
	Error      string `json:"error,omitempty"`
}

// NewChecker returns a checker.
func NewChecker(opts CheckerOptions) (*Checker, error) {
	if opts.Inbox == "" || opts.Client == nil {
		return nil, fmt.Errorf("integrity: checker needs inbox and client")
	}
	if opts.Blobs == nil {
		opts.Blobs = blob.NewCache()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Checkpoint == nil {
		opts.Checkpoint = checkpoint.New()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Checker{opts: opts, log: logging.OrDefault(opts.Logger).With("component", "integrity-receiver")}, nil
}

// Run checks the inbox every interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) error {
	c.log.Info("watching", "inbox", c.opts.Inbox, "interval", c.opts.Interval)
	for {
		if _, err := c.CheckOnce(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn("scan failed", "err", err)
		}
		if err := c.opts.Clock.Sleep(ctx, c.opts.Interval); err != nil {
			return nil
		}
	}
}

// CheckOnce checks every new or changed manifest. Manifests whose digests
// could not be fetched are retried on the next call.
func (c *Checker) CheckOnce(ctx context.Context) ([]Result, error) {
	paths, err := manifest.List(c.opts.Inbox)
	if err != nil {
		return nil, err
	}
	keep := make(map[string]bool, len(paths))
	var out []Result
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		keep[p] = true
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if !c.opts.Checkpoint.Changed(p, info.ModTime()) {
			continue
		}
		res, retry := c.Check(ctx, p)
		out = append(out, res)
		if !retry {
			c.opts.Checkpoint.Mark(p, info.ModTime())
		}
	}
	c.opts.Checkpoint.Forget(keep)
	if err := c.opts.Checkpoint.Save(); err != nil {
		c.log.Warn("checkpoint save failed", "err", err)
	}
	return out, nil
}

// Check compares one manifest with the sender's digests and requests a
// repair of the windows that differ. retry reports a failure worth
// checking again later.
func (c *Checker) Check(ctx context.Context, path string) (res Result, retry bool) {
	res.Manifest = path
	j, err := manifest.Read(path)
	if err != nil {
		res.Error = err.Error()
		c.log.Warn("manifest unreadable", "path", path, "err", err)
		return res, false
	}
	res.SHA256 = j.SHA256
	res.Windows = j.TotalWindows

	local, err := job.WindowDigests(ctx, j, c.opts.Blobs.Get(j.Blob))
	if err != nil {
		res.Error = err.Error()
		c.log.Warn("local digests failed", "path", path, "err", err)
		return res, false
	}
	remote, err := c.opts.Client.Digests(ctx, j.SHA256, j.WindowSize)
	if err != nil {
		res.Error = err.Error()
		c.log.Info("remote digests unavailable", "path", path, "sha256", j.SHA256, "err", err)
		return res, true
	}
	res.Mismatched = Compare(local, remote.Windows)
	if len(res.Mismatched) == 0 {
		c.log.Debug("intact", "path", path, "windows", len(local))
		return res, false
	}

	user, stored := fs.DecodeVirtualPath(filepath.Base(manifest.ObjectPath(path)))
	recv := c.opts.Receiver
	recv.User = user
	recv.Stored = stored
	c.log.Warn("windows differ", "path", path, "sha256", j.SHA256, "windows", res.Mismatched)
	rep, err := c.opts.Client.Repair(ctx, RepairRequest{SHA256: j.SHA256, WS: j.WindowSize, Windows: res.Mismatched, Receiver: recv})
	switch {
	case err != nil:
		res.Error = err.Error()
	case !rep.OK:
		res.Error = rep.Error
	default:
		res.Repaired = true
	}
	if res.Error != "" {
		c.log.Warn("repair failed", "path", path, "err", res.Error)
	} else {
		c.log.Info("repair requested", "path", path, "frames", rep.Frames, "bytes", rep.Bytes)
	}
	return res, false
}

// Compare returns the indices of remote whose digest is missing from or
// different in local.
func Compare(local, remote []string) []int {
	var out []int
	for i, want := range remote {
		if i >= len(local) || local[i] != want {
			out = append(out, i)
		}
	}
	return out
}
