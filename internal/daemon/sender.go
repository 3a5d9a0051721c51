// Package daemon holds the long-running sender-side loops: the spool
// sender and the input-directory hasher.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kk-code-lab/ff3/internal/clock"
	"github.com/kk-code-lab/ff3/internal/job"
	"github.com/kk-code-lab/ff3/internal/logging"
	"github.com/kk-code-lab/ff3/internal/meta"
	"github.com/kk-code-lab/ff3/internal/storage/spool"
)

const DefaultSenderInterval = 1500 * time.Millisecond

// Deliverer sends one job and returns the label of the transport used.
type Deliverer interface {
	Deliver(ctx context.Context, j *job.TransferJob) (string, error)
}

// SenderOptions configures a Sender.
type SenderOptions struct {
	Spool     string
	Sent      string
	Deliverer Deliverer
	Interval  time.Duration
	// Compress archives delivered entries as zstd.
	Compress bool
	Meta     *meta.Store
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Sender drains the spool in name order.
type Sender struct {
	opts SenderOptions
	log  *slog.Logger
}

// NewSender returns a sender.
func NewSender(opts SenderOptions) (*Sender, error) {
	if opts.Spool == "" || opts.Sent == "" || opts.Deliverer == nil {
		return nil, errors.New("daemon: sender needs spool, sent and deliverer")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultSenderInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Sender{opts: opts, log: logging.OrDefault(opts.Logger).With("component", "sender")}, nil
}

// Run drains the spool until ctx is cancelled. It sleeps one interval when
// the spool is empty and after a failed delivery, then rescans.
func (s *Sender) Run(ctx context.Context) error {
	s.log.Info("draining", "spool", s.opts.Spool, "interval", s.opts.Interval)
	for {
		n, err := s.DrainOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil || n == 0 {
			if err := s.opts.Clock.Sleep(ctx, s.opts.Interval); err != nil {
				return nil
			}
		}
	}
}

// DrainOnce delivers pending entries in order and stops at the first
// delivery failure, which it returns. Unreadable entries are quarantined.
func (s *Sender) DrainOnce(ctx context.Context) (int, error) {
	pending, err := spool.List(s.opts.Spool)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, path := range pending {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		j, err := spool.Load(path)
		if err != nil {
			if errors.Is(err, spool.ErrInvalidEntry) {
				moved, qerr := spool.Quarantine(path)
				s.log.Error("spool entry quarantined", "path", path, "moved", moved, "err", err, "quarantine_err", qerr)
				continue
			}
			return sent, err
		}
		label, err := s.opts.Deliverer.Deliver(ctx, j)
		if err != nil {
			s.log.Warn("delivery failed", "path", path, "object", j.ObjectName, "err", err)
			s.mark(ctx, path, meta.StateQueued, "", err.Error())
			return sent, err
		}
		dest, err := spool.MarkSent(path, s.opts.Sent, s.opts.Compress)
		if err != nil {
			return sent, err
		}
		s.mark(ctx, path, meta.StateSent, label, "")
		s.log.Info("delivered", "object", j.ObjectName, "windows", j.TotalWindows, "transport", label, "sent", dest)
		sent++
	}
	return sent, nil
}

func (s *Sender) mark(ctx context.Context, path, state, transport, errMsg string) {
	if s.opts.Meta == nil {
		return
	}
	if err := s.opts.Meta.MarkState(ctx, path, state, transport, errMsg); err != nil {
		s.log.Warn("ledger update failed", "path", path, "err", err)
	}
}
