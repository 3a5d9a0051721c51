// Package quicx carries NDJSON ingestion sessions over QUIC: one
// bidirectional stream per session, the reply written back on the same
// stream.
package quicx

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/kk-code-lab/ff3/internal/logging"
	"github.com/kk-code-lab/ff3/internal/transport/ndjson"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultMaxBytes = 256 << 20
	// DefaultObjectName names sessions whose PREF carries no name.
	DefaultObjectName = "quic-object.bin"
)

// Options configures a Server.
type Options struct {
	Handler *ndjson.Handler
	TLS     *tls.Config
	// MaxBytes bounds one session stream.
	MaxBytes int64
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Server accepts QUIC connections and serves their streams.
type Server struct {
	handler  *ndjson.Handler
	tls      *tls.Config
	maxBytes int64
	timeout  time.Duration
	log      *slog.Logger
}

// New returns a server. A nil TLS config uses a self-signed certificate.
func New(opts Options) (*Server, error) {
	if opts.Handler == nil {
		return nil, errors.New("quicx: handler required")
	}
	h := opts.Handler
	if h.DefaultName == "" {
		c := *h
		c.DefaultName = DefaultObjectName
		h = &c
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	log := logging.OrDefault(opts.Logger).With("component", "quic-receiver")
	if opts.TLS == nil {
		cfg, err := ServerTLS("", "", log)
		if err != nil {
			return nil, err
		}
		opts.TLS = cfg
	}
	return &Server{
		handler:  h,
		tls:      opts.TLS,
		maxBytes: opts.MaxBytes,
		timeout:  opts.Timeout,
		log:      log,
	}, nil
}

// ListenAndServe binds a UDP socket on addr and serves it.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return err
	}
	defer pc.Close()
	return s.Serve(ctx, pc)
}

// Serve runs QUIC on pc until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, pc net.PacketConn) error {
	ln, err := quic.Listen(pc, s.tls, &quic.Config{MaxIdleTimeout: s.timeout})
	if err != nil {
		return err
	}
	s.log.Info("listening", "addr", ln.Addr().String())

	var active sync.WaitGroup
	defer active.Wait()
	defer ln.Close()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		active.Add(1)
		go func() {
			defer active.Done()
			s.serveConn(ctx, conn, &active)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn quic.Connection, active *sync.WaitGroup) {
	log := s.log.With("remote", conn.RemoteAddr().String())
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		active.Add(1)
		go func() {
			defer active.Done()
			s.serveStream(ctx, stream, log)
		}()
	}
}

func (s *Server) serveStream(ctx context.Context, stream quic.Stream, log *slog.Logger) {
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().Add(s.timeout))
	data, err := io.ReadAll(io.LimitReader(stream, s.maxBytes+1))
	var reply string
	switch {
	case err != nil:
		log.Warn("stream read failed", "err", err)
		reply = ndjson.ErrorReply(err.Error())
	case int64(len(data)) > s.maxBytes:
		stream.CancelRead(0)
		reply = ndjson.ErrorReply(fmt.Sprintf("session exceeds %d bytes", s.maxBytes))
	default:
		reply = s.handler.Handle(ctx, data)
	}
	if _, err := io.WriteString(stream, reply); err != nil {
		log.Debug("reply write failed", "err", err)
	}
}
