// Package repair patches damaged windows of a stored object in place. The
// client streams replacement windows; the server writes each at
// idx*ws in the target file.
package repair

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/kk-code-lab/ff3/internal/job"
	"github.com/kk-code-lab/ff3/internal/logging"
	"github.com/kk-code-lab/ff3/internal/meta"
	"github.com/kk-code-lab/ff3/internal/storage/fs"
	"github.com/kk-code-lab/ff3/internal/storage/patch"
	"github.com/kk-code-lab/ff3/internal/transport"
)

const (
	DefaultTimeout = 60 * time.Second
	maxHeaderBytes = 64 << 10
	lingerTimeout  = 2 * time.Second
	maxLingerBytes = 64 << 20
)

// Replies. Failures while applying frames reply "ERR " plus the error.
const (
	ReplyOK            = "OK"
	ReplyInvalidHeader = "ERR invalid header"
	ReplyUnauthorized  = "ERR unauthorized"
	ReplyBadRequest    = "ERR bad request"
)

// Header opens a repair stream.
type Header struct {
	User   string `json:"user"`
	Stored string `json:"stored"`
	WS     int    `json:"ws"`
	PSK    string `json:"psk,omitempty"`
}

// Target returns the flat file name the header addresses, "user%2fstored"
// or just "stored" when user is empty.
func (h Header) Target() string {
	stored := strings.Trim(strings.TrimSpace(h.Stored), "/")
	if stored == "" {
		return ""
	}
	user := strings.TrimSpace(h.User)
	if i := strings.IndexByte(user, '/'); i >= 0 {
		user = user[:i]
	}
	return fs.SafeObjectName(fs.EncodeVirtualPath(path.Join(user, stored)))
}

// Options configures a Server.
type Options struct {
	// Root is the directory holding repair targets.
	Root    string
	PSK     string
	Timeout time.Duration
	Meta    *meta.Store
	Logger  *slog.Logger
}

// Server applies repair streams. Concurrent repairs of one target are not
// serialized.
type Server struct {
	root    string
	psk     string
	timeout time.Duration
	meta    *meta.Store
	log     *slog.Logger
}

// NewServer returns a repair server.
func NewServer(opts Options) (*Server, error) {
	if opts.Root == "" {
		return nil, errors.New("repair: root required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Server{
		root:    opts.Root,
		psk:     opts.PSK,
		timeout: opts.Timeout,
		meta:    opts.Meta,
		log:     logging.OrDefault(opts.Logger).With("component", "repair-server"),
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
	r := bufio.NewReader(conn)
	reply := s.apply(ctx, r, peer)
	if _, err := io.WriteString(conn, reply+"\n"); err != nil {
		s.log.Debug("reply failed", "peer", peer, "err", err)
		return
	}
	// Drain what the client already sent so closing does not reset the
	// connection before the reply is read.
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	_ = conn.SetReadDeadline(time.Now().Add(lingerTimeout))
	_, _ = io.Copy(io.Discard, io.LimitReader(r, maxLingerBytes))
}

func (s *Server) apply(ctx context.Context, r *bufio.Reader, peer string) string {
	line, err := readLine(r)
	if err != nil {
		return ReplyInvalidHeader
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return ReplyInvalidHeader
	}
	if s.psk != "" && h.PSK != s.psk {
		s.log.Warn("repair unauthorized", "peer", peer)
		return ReplyUnauthorized
	}
	name := h.Target()
	if name == "" || h.WS <= 0 || h.WS > job.MaxWindowSize {
		return ReplyBadRequest
	}
	target, err := fs.ResolveChild(s.root, name)
	if err != nil {
		return ReplyBadRequest
	}

	w, err := patch.Open(target, h.WS)
	if err != nil {
		return "ERR " + err.Error()
	}
	st, err := w.Apply(r)
	if err == nil {
		err = w.Sync()
	}
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	s.record(ctx, h, st, err)
	if err != nil {
		s.log.Warn("repair failed", "peer", peer, "target", target, "frames", st.Frames, "err", err)
		return "ERR " + err.Error()
	}
	s.log.Info("repair applied", "peer", peer, "target", target, "frames", st.Frames, "bytes", st.Bytes)
	return ReplyOK
}

func (s *Server) record(ctx context.Context, h Header, st patch.Stats, err error) {
	if s.meta == nil {
		return
	}
	rep := meta.Repair{Stored: h.Target(), WindowSize: h.WS, Windows: st.Frames, Bytes: st.Bytes, OK: err == nil}
	if err != nil {
		rep.Error = err.Error()
	}
	if rerr := s.meta.RecordRepair(ctx, rep); rerr != nil {
		s.log.Warn("ledger record failed", "err", rerr)
	}
}

func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxHeaderBytes {
			return nil, errors.New("repair: header too long")
		}
		if err == nil {
			return []byte(strings.TrimSpace(string(line))), nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return nil, err
		}
	}
}

// TargetPath returns where a repair for h lands under root.
func TargetPath(root string, h Header) string {
	return filepath.Join(root, h.Target())
}
