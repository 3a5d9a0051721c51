package integrity

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kk-code-lab/ff3/internal/clock"
	"github.com/kk-code-lab/ff3/internal/job"
	"github.com/kk-code-lab/ff3/internal/logging"
	"github.com/kk-code-lab/ff3/internal/meta"
	"github.com/kk-code-lab/ff3/internal/repair"
)

// DigestResponse is the answer to a digest query.
type DigestResponse struct {
	SHA256  string   `json:"sha256"`
	WS      int      `json:"ws"`
	Windows []string `json:"windows"`
}

// ReceiverInfo says where the repair server of a receiver listens and
// which stored object to patch.
type ReceiverInfo struct {
	Host   string `json:"host,omitempty"`
	Port   int    `json:"port,omitempty"`
	User   string `json:"user,omitempty"`
	Stored string `json:"stored"`
}

// RepairRequest asks the sender to push the listed windows.
type RepairRequest struct {
	SHA256   string       `json:"sha256"`
	WS       int          `json:"ws"`
	Windows  []int        `json:"windows"`
	Receiver ReceiverInfo `json:"receiver"`
}

// RepairResponse reports the outcome of a repair push.
type RepairResponse struct {
	OK     bool   `json:"ok"`
	Frames int    `json:"frames"`
	Bytes  int64  `json:"bytes"`
	Error  string `json:"error,omitempty"`
}

// RegisterRequest indexes a source file.
type RegisterRequest struct {
	Path string `json:"path"`
}

// RegisterResponse is the result of a registration.
type RegisterResponse struct {
	SHA256 string `json:"sha256"`
	Path   string `json:"path"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// ServiceOptions configures the sender-side HTTP service.
type ServiceOptions struct {
	Index *Index
	// RepairAddr is used when a repair request names no receiver host or
	// port.
	RepairAddr    string
	RepairPSK     string
	RepairTimeout time.Duration
	Meta          *meta.Store
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Service serves digest queries and repair triggers.
type Service struct {
	opts ServiceOptions
	log  *slog.Logger
}

// NewService returns a service over opts.Index.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Index == nil {
		return nil, errors.New("integrity: index required")
	}
	if opts.RepairAddr == "" {
		opts.RepairAddr = "127.0.0.1:41004"
	}
	if opts.RepairTimeout <= 0 {
		opts.RepairTimeout = repair.DefaultTimeout
	}
	return &Service{opts: opts, log: logging.OrDefault(opts.Logger).With("component", "integrity-sender")}, nil
}

// Handler returns the routed, logged HTTP handler.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /integrity/{sha}", s.handleDigests)
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /repair", s.handleRepair)
	return LoggingMiddleware(mux, s.log, s.opts.Clock)
}

// ListenAndServe serves addr until ctx is cancelled.
func (s *Service) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves ln until ctx is cancelled, then shuts down gracefully.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Info("listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handleDigests(w http.ResponseWriter, r *http.Request) {
	sha := strings.ToLower(r.PathValue("sha"))
	ws, err := strconv.Atoi(r.URL.Query().Get("ws"))
	if err != nil || ws <= 0 {
		writeError(w, http.StatusBadRequest, "ws must be a positive integer")
		return
	}
	digests, err := s.opts.Index.Digests(r.Context(), sha, ws)
	switch {
	case errors.Is(err, ErrUnknown):
		writeError(w, http.StatusNotFound, "unknown sha")
		return
	case errors.Is(err, job.ErrWindowTooLarge):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, DigestResponse{SHA256: sha, WS: ws, Windows: digests})
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "path required")
		return
	}
	sha, err := s.opts.Index.Register(req.Path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		writeError(w, http.StatusNotFound, "file not found")
		return
	case err != nil:
		s.log.Warn("register failed", "path", req.Path, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	p, _ := s.opts.Index.Path(sha)
	writeJSON(w, http.StatusOK, RegisterResponse{SHA256: sha, Path: p})
}

func (s *Service) handleRepair(w http.ResponseWriter, r *http.Request) {
	var req RepairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid repair request")
		return
	}
	src, ok := s.opts.Index.Path(strings.ToLower(req.SHA256))
	if !ok {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	if req.Receiver.Stored == "" {
		writeError(w, http.StatusBadRequest, "missing stored")
		return
	}
	if req.WS <= 0 {
		writeError(w, http.StatusBadRequest, "ws must be positive")
		return
	}
	addr := s.repairAddr(req.Receiver)
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RepairTimeout)
	defer cancel()
	res, err := repair.SendRepairs(ctx, addr, src, repair.Header{
		User:   req.Receiver.User,
		Stored: req.Receiver.Stored,
		WS:     req.WS,
		PSK:    s.opts.RepairPSK,
	}, req.Windows)

	out := RepairResponse{OK: err == nil, Frames: res.Frames, Bytes: res.Bytes}
	if err != nil {
		out.Error = err.Error()
		s.log.Warn("repair push failed", "sha256", req.SHA256, "addr", addr, "err", err)
	} else {
		s.log.Info("repair pushed", "sha256", req.SHA256, "addr", addr, "frames", res.Frames, "bytes", res.Bytes)
	}
	if s.opts.Meta != nil {
		if rerr := s.opts.Meta.RecordRepair(r.Context(), meta.Repair{
			SHA256:     req.SHA256,
			Stored:     req.Receiver.Stored,
			WindowSize: req.WS,
			Windows:    res.Frames,
			Bytes:      res.Bytes,
			OK:         err == nil,
			Error:      out.Error,
		}); rerr != nil {
			s.log.Warn("ledger record failed", "err", rerr)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) repairAddr(recv ReceiverInfo) string {
	host, port, err := net.SplitHostPort(s.opts.RepairAddr)
	if err != nil {
		host, port = "127.0.0.1", "41004"
	}
	if recv.Host != "" {
		host = recv.Host
	}
	if recv.Port > 0 {
		port = strconv.Itoa(recv.Port)
	}
	return net.JoinHostPort(host, port)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}
