// Package udpx carries NDJSON ingestion sessions over UDP. A session is
// one datagram, or several chunk-framed datagrams when it does not fit.
package udpx

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/kk-code-lab/ff3/internal/logging"
	"github.com/kk-code-lab/ff3/internal/transport/chunkframe"
	"github.com/kk-code-lab/ff3/internal/transport/ndjson"
)

const (
	// MaxDatagram is the largest UDP payload read or written.
	MaxDatagram = 65507
	// DefaultObjectName names sessions whose PREF carries no name.
	DefaultObjectName = "udp-object.bin"
)

// Options configures a Server.
type Options struct {
	Handler *ndjson.Handler
	// MaxMessages and MaxBytes bound chunk reassembly.
	MaxMessages int
	MaxBytes    int
	Logger      *slog.Logger
}

// Server answers each complete session with "OK" or "ERR:<reason>".
type Server struct {
	handler   *ndjson.Handler
	assembler *chunkframe.Assembler
	log       *slog.Logger
}

// New returns a server.
func New(opts Options) (*Server, error) {
	if opts.Handler == nil {
		return nil, errors.New("udpx: handler required")
	}
	h := opts.Handler
	if h.DefaultName == "" {
		c := *h
		c.DefaultName = DefaultObjectName
		h = &c
	}
	return &Server{
		handler:   h,
		assembler: chunkframe.NewAssembler(opts.MaxMessages, opts.MaxBytes),
		log:       logging.OrDefault(opts.Logger).With("component", "udp-receiver"),
	}, nil
}

// ListenAndServe binds addr and serves it.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, pc)
}

// Serve reads datagrams from pc until ctx is cancelled. pc is closed on
// return.
func (s *Server) Serve(ctx context.Context, pc net.PacketConn) error {
	s.log.Info("listening", "addr", pc.LocalAddr().String())
	var active sync.WaitGroup
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = pc.Close()
	}()
	defer func() {
		close(stop)
		active.Wait()
	}()

	buf := make([]byte, MaxDatagram)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("read failed", "err", err)
			continue
		}
		msg := append([]byte(nil), buf[:n]...)
		session, status, err := s.assembler.Accept(msg)
		if err != nil {
			s.log.Warn("chunk rejected", "remote", addr.String(), "err", err)
			s.reply(pc, addr, ndjson.ErrorReply(err.Error()))
			continue
		}
		if status == chunkframe.Pending {
			continue
		}
		active.Add(1)
		go func() {
			defer active.Done()
			s.reply(pc, addr, s.handler.Handle(ctx, session))
		}()
	}
}

func (s *Server) reply(pc net.PacketConn, addr net.Addr, msg string) {
	if _, err := pc.WriteTo([]byte(msg), addr); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debug("reply failed", "remote", addr.String(), "err", err)
	}
}
