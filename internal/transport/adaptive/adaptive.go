// Package adaptive delivers a job over the cheapest transport that works:
// QUIC first, then UDP, then the TCP job protocol.
package adaptive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kk-code-lab/ff3/internal/clock"
	"github.com/kk-code-lab/ff3/internal/codec"
	"github.com/kk-code-lab/ff3/internal/job"
	"github.com/kk-code-lab/ff3/internal/logging"
	"github.com/kk-code-lab/ff3/internal/transport/ndjson"
	"github.com/kk-code-lab/ff3/internal/transport/quicx"
	"github.com/kk-code-lab/ff3/internal/transport/tcpjob"
	"github.com/kk-code-lab/ff3/internal/transport/udpx"
)

// Transport labels returned by Deliver.
const (
	LabelQUIC = "quic"
	LabelUDP  = "udp"
	LabelTCP  = "tcp"
)

const (
	DefaultQUICAttempts = 3
	DefaultBackoff      = 50 * time.Millisecond
	DefaultTimeout      = 60 * time.Second
)

// ErrAllFailed is returned when no transport delivered the job.
var ErrAllFailed = errors.New("adaptive: all transports failed")

// Options configures a Sender. An empty address disables that transport.
type Options struct {
	QUICAddr string
	UDPAddr  string
	TCPAddr  string
	QUICPSK  string
	UDPPSK   string
	// AllowRaw lets NDJSON sessions carry literal bytes. Without it a
	// job with literals skips straight to TCP.
	AllowRaw     bool
	User         string
	QUICAttempts int
	Backoff      time.Duration
	Timeout      time.Duration
	Blob         codec.BlobReader
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Sender tries each configured transport in order.
type Sender struct {
	opts Options
	log  *slog.Logger
}

// New returns a sender.
func New(opts Options) *Sender {
	if opts.QUICAttempts <= 0 {
		opts.QUICAttempts = DefaultQUICAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Sender{opts: opts, log: logging.OrDefault(opts.Logger).With("component", "adaptive")}
}

// Deliver sends j and returns the label of the transport that accepted it.
func (s *Sender) Deliver(ctx context.Context, j *job.TransferJob) (string, error) {
	var errs []error
	if s.opts.QUICAddr != "" || s.opts.UDPAddr != "" {
		label, err := s.deliverNDJSON(ctx, j)
		if err == nil {
			return label, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		errs = append(errs, err)
	}
	if s.opts.TCPAddr != "" {
		err := tcpjob.SendJob(ctx, s.opts.TCPAddr, j, s.opts.Timeout)
		if err == nil {
			s.log.Info("delivered", "transport", LabelTCP, "object", j.ObjectName)
			return LabelTCP, nil
		}
		s.log.Warn("tcp delivery failed", "object", j.ObjectName, "err", err)
		errs = append(errs, fmt.Errorf("tcp: %w", err))
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("%w: no transport configured", ErrAllFailed)
	}
	return "", fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

func (s *Sender) deliverNDJSON(ctx context.Context, j *job.TransferJob) (string, error) {
	msgs, err := ndjson.FromJob(j, s.opts.Blob, ndjson.EncodeOptions{User: s.opts.User, AllowRaw: s.opts.AllowRaw})
	if err != nil {
		s.log.Info("ndjson unavailable", "object", j.ObjectName, "err", err)
		return "", err
	}
	var errs []error
	if s.opts.QUICAddr != "" {
		msgs[0].PSK = s.opts.QUICPSK
		for i := 1; i <= s.opts.QUICAttempts; i++ {
			err := quicx.SendMessages(ctx, s.opts.QUICAddr, msgs, s.opts.Timeout)
			if err == nil {
				s.log.Info("delivered", "transport", LabelQUIC, "attempt", i, "object", j.ObjectName)
				return LabelQUIC, nil
			}
			s.log.Warn("quic attempt failed", "attempt", i, "err", err)
			errs = append(errs, fmt.Errorf("quic attempt %d: %w", i, err))
			if i == s.opts.QUICAttempts {
				break
			}
			if err := s.opts.Clock.Sleep(ctx, s.opts.Backoff*time.Duration(i)); err != nil {
				return "", err
			}
		}
	}
	if s.opts.UDPAddr != "" {
		msgs[0].PSK = s.opts.UDPPSK
		err := udpx.SendMessages(ctx, s.opts.UDPAddr, msgs, udpx.SendOptions{Timeout: s.opts.Timeout})
		if err == nil {
			s.log.Info("delivered", "transport", LabelUDP, "object", j.ObjectName)
			return LabelUDP, nil
		}
		s.log.Warn("udp delivery failed", "err", err)
		errs = append(errs, fmt.Errorf("udp: %w", err))
	}
	return "", errors.Join(errs...)
}
