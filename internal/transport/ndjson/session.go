package ndjson

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/kk-code-lab/ff3/internal/codec"
)

var (
	ErrUnauthorized  = errors.New("unauthorized (bad psk)")
	ErrRawDisallowed = errors.New("RAW disallowed by server policy")
	ErrNoWindow      = errors.New("window data without WIN")
	ErrTooLarge      = errors.New("object exceeds size limit")
)

// SessionOptions is the server policy applied to a session.
type SessionOptions struct {
	// PSK, when non-empty, must match the PREF psk.
	PSK         string
	AllowRaw    bool
	Blob        codec.BlobReader
	DefaultName string
	// MaxBytes bounds the assembled object; zero means no bound.
	MaxBytes int64
}

// Session accumulates one stream of messages.
type Session struct {
	opts    SessionOptions
	user    string
	name    string
	ws      int
	cur     *int
	windows map[int][]byte
	size    int64
	done    bool
}

// NewSession returns an empty session.
func NewSession(opts SessionOptions) *Session {
	if opts.DefaultName == "" {
		opts.DefaultName = "object.bin"
	}
	return &Session{
		opts:    opts,
		user:    "user",
		name:    opts.DefaultName,
		windows: make(map[int][]byte),
	}
}

// Feed applies one line. Lines that are not JSON objects are ignored, as
// are unknown message types. An error aborts the session.
func (s *Session) Feed(line []byte) error {
	if s.done {
		return nil
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var msg map[string]any
	if err := dec.Decode(&msg); err != nil {
		return nil
	}
	t, _ := msg["t"].(string)
	switch t {
	case TypePref:
		if v := str(msg["user"]); v != "" {
			s.user = v
		}
		if v := str(msg["name"]); v != "" {
			s.name = v
		}
		if ws, ok := num(msg["ws"]); ok && ws > 0 {
			s.ws = int(ws)
		}
		if s.opts.PSK != "" && str(msg["psk"]) != s.opts.PSK {
			return ErrUnauthorized
		}
	case TypeWin:
		i, _ := num(msg["i"])
		idx := int(i)
		s.cur = &idx
		if _, ok := s.windows[idx]; !ok {
			s.windows[idx] = nil
		}
	case TypeBref:
		if s.cur == nil {
			return fmt.Errorf("BREF: %w", ErrNoWindow)
		}
		refs, _ := msg["c"].([]any)
		for _, r := range refs {
			pair, ok := r.([]any)
			if !ok || len(pair) != 2 {
				return fmt.Errorf("BREF: malformed reference %v", r)
			}
			off, ok1 := num(pair[0])
			n, ok2 := num(pair[1])
			if !ok1 || !ok2 || n < 0 {
				return fmt.Errorf("BREF: malformed reference %v", r)
			}
			if s.opts.Blob == nil {
				return errors.New("BREF: no blob configured")
			}
			if err := s.grow(n); err != nil {
				return err
			}
			data, err := s.opts.Blob.Read(off, int(n))
			if err != nil {
				return err
			}
			s.windows[*s.cur] = append(s.windows[*s.cur], data...)
		}
	case TypeRaw:
		if !s.opts.AllowRaw {
			return ErrRawDisallowed
		}
		if s.cur == nil {
			return fmt.Errorf("RAW: %w", ErrNoWindow)
		}
		if p := str(msg["p"]); p != "" {
			data, err := base64.StdEncoding.DecodeString(p)
			if err != nil {
				return fmt.Errorf("RAW: %v", err)
			}
			if err := s.grow(int64(len(data))); err != nil {
				return err
			}
			s.windows[*s.cur] = append(s.windows[*s.cur], data...)
		}
	case TypeEnd:
		s.cur = nil
	case TypeDone:
		s.done = true
	}
	return nil
}

func (s *Session) grow(n int64) error {
	s.size += n
	if s.opts.MaxBytes > 0 && s.size > s.opts.MaxBytes {
		return ErrTooLarge
	}
	return nil
}

// FeedAll splits data into lines and feeds each until DONE or an error.
func (s *Session) FeedAll(data []byte) error {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64<<10), len(data)+1)
	for sc.Scan() {
		if err := s.Feed(sc.Bytes()); err != nil {
			return err
		}
		if s.done {
			break
		}
	}
	return sc.Err()
}

// Object returns the windows concatenated in ascending index order.
func (s *Session) Object() []byte {
	idx := make([]int, 0, len(s.windows))
	for i := range s.windows {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]byte, 0, s.size)
	for _, i := range idx {
		out = append(out, s.windows[i]...)
	}
	return out
}

// User returns the declared user, "user" by default.
func (s *Session) User() string { return s.user }

// Name returns the declared logical name.
func (s *Session) Name() string { return s.name }

// WindowSize returns the declared window size, or 0.
func (s *Session) WindowSize() int { return s.ws }

// Done reports whether DONE was seen.
func (s *Session) Done() bool { return s.done }

func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func num(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		if f, err := t.Float64(); err == nil {
			return int64(f), true
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}
