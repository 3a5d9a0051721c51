// Package tcpingest accepts raw file uploads over TCP: one JSON header
// line, then exactly size bytes. Each upload is queued as a job.
package tcpingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/kk-code-lab/ff3/internal/ingest"
	"github.com/kk-code-lab/ff3/internal/logging"
	"github.com/kk-code-lab/ff3/internal/storage/fs"
	"github.com/kk-code-lab/ff3/internal/transport"
	"github.com/kk-code-lab/ff3/internal/workpool"
)

const (
	maxHeaderBytes = 64 << 10
	defaultTimeout = 5 * time.Minute
)

// Replies written back to the client.
const (
	ReplyOK            = "OK"
	ReplyInvalidHeader = "ERR invalid header"
	ReplyUnauthorized  = "ERR unauthorized"
	ReplyBadRequest    = "ERR bad request"
	ReplyTooLarge      = "ERR too large"
	ReplyIncomplete    = "ERR incomplete"
	ReplyInternal      = "ERR internal"
)

// Header is the first line of an upload.
type Header struct {
	User        string `json:"user,omitempty"`
	VirtualPath string `json:"virtual_path,omitempty"`
	Name        string `json:"name,omitempty"`
	Size        int64  `json:"size"`
	Secret      string `json:"secret,omitempty"`
}

// Target returns the encoded "user%2fpath" name of the upload, or "" when
// no path was given.
func (h Header) Target() string {
	vpath := strings.Trim(strings.TrimSpace(h.VirtualPath), "/")
	if vpath == "" {
		vpath = strings.Trim(strings.TrimSpace(h.Name), "/")
	}
	if vpath == "" {
		return ""
	}
	return fs.SafeObjectName(fs.EncodeUserPath(h.User, vpath))
}

// Options configures a Server.
type Options struct {
	Ingestor *ingest.Ingestor
	Pool     *workpool.Pool
	Secret   string
	MaxBytes int64
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Server is the raw upload server.
type Server struct {
	ing      *ingest.Ingestor
	pool     *workpool.Pool
	secret   string
	maxBytes int64
	timeout  time.Duration
	log      *slog.Logger
}

// New returns a server. A nil pool runs builds on a single worker.
func New(opts Options) (*Server, error) {
	if opts.Ingestor == nil {
		return nil, errors.New("tcpingest: ingestor required")
	}
	if opts.Pool == nil {
		opts.Pool = workpool.New(1)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Server{
		ing:      opts.Ingestor,
		pool:     opts.Pool,
		secret:   opts.Secret,
		maxBytes: opts.MaxBytes,
		timeout:  opts.Timeout,
		log:      logging.OrDefault(opts.Logger).With("component", "tcpingest"),
	}, nil
}

// ListenAndServe serves addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	return transport.Listen(ctx, addr, s.log, s.handle)
}

// Serve serves ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	return transport.Serve(ctx, ln, s.log, s.handle)
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(s.timeout))
	peer := conn.RemoteAddr().String()
	reply := s.receive(ctx, bufio.NewReaderSize(conn, 1<<20), peer)
	if reply == "" {
		return
	}
	if _, err := io.WriteString(conn, reply+"\n"); err != nil {
		s.log.Debug("reply failed", "peer", peer, "err", err)
	}
}

func (s *Server) receive(ctx context.Context, r *bufio.Reader, peer string) string {
	line, err := readLine(r, maxHeaderBytes)
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) == 0 {
			return ""
		}
		return ReplyInvalidHeader
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return ReplyInvalidHeader
	}
	if s.secret != "" && h.Secret != s.secret {
		s.log.Warn("upload unauthorized", "peer", peer)
		return ReplyUnauthorized
	}
	encoded := h.Target()
	if encoded == "" || h.Size <= 0 {
		return ReplyBadRequest
	}
	if s.maxBytes > 0 && h.Size > s.maxBytes {
		return ReplyTooLarge
	}

	target := fs.UniqueTarget(s.ing.Layout().Inbox, encoded)
	if err := writeExactly(target, r, h.Size); err != nil {
		s.log.Warn("upload incomplete", "peer", peer, "target", target, "err", err)
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return ReplyIncomplete
		}
		return ReplyInternal
	}

	fut := workpool.Submit(ctx, s.pool, func(ctx context.Context) (*ingest.UploadResult, error) {
		return s.ing.BuildForPath(ctx, target)
	})
	res, err := fut.Wait(ctx)
	if err != nil {
		s.log.Error("job build failed", "peer", peer, "target", target, "err", err)
		return ReplyInternal
	}
	s.log.Info("upload queued", "peer", peer, "object", res.Job.ObjectName, "bytes", h.Size, "spool", res.JobPath)
	return ReplyOK
}

// writeExactly copies exactly n bytes from r into path, removing the file
// on any failure.
func writeExactly(path string, r io.Reader, n int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	written, err := io.CopyN(f, r, n)
	closeErr := f.Close()
	if err == nil && written != n {
		err = io.ErrUnexpectedEOF
	}
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("tcpingest: %d/%d bytes: %w", written, n, err)
	}
	return nil
}

func readLine(r *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > limit {
			return nil, errors.New("tcpingest: header too long")
		}
		if err == nil {
			return []byte(strings.TrimSpace(string(line))), nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return line, err
		}
	}
}
