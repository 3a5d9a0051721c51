package ndjson

import (
	"encoding/base64"
	"errors"
	"sort"

	"github.com/kk-code-lab/ff3/internal/codec"
	"github.com/kk-code-lab/ff3/internal/job"
	"github.com/kk-code-lab/ff3/internal/storage/fs"
)

// ErrRawRequired reports a job with literal bytes when RAW messages are
// not allowed, so the session could not carry the full object.
var ErrRawRequired = errors.New("ndjson: job has literal bytes and RAW is disabled")

// EncodeOptions controls how a job is rendered as a session.
type EncodeOptions struct {
	// User overrides the user from the job's encoded object name.
	User     string
	PSK      string
	AllowRaw bool
}

// FromJob renders j as a complete session: PREF, one WIN/.../END group
// per window in index order, then DONE. Blob references become BREF
// messages; literal gaps become RAW.
func FromJob(j *job.TransferJob, b codec.BlobReader, opts EncodeOptions) ([]Message, error) {
	user, name := fs.DecodeVirtualPath(j.ObjectName)
	if opts.User != "" {
		user = opts.User
	}
	if user == "" {
		user = "user"
	}
	if name == "" {
		name = job.DefaultObjectName
	}
	windows := append([]job.Window(nil), j.Windows...)
	sort.SliceStable(windows, func(a, c int) bool { return windows[a].Idx < windows[c].Idx })

	msgs := []Message{Pref(user, name, j.WindowSize, opts.PSK)}
	for _, w := range windows {
		n := j.WindowLength(w.Idx)
		group, err := windowMessages(w, b, j.WindowSize, n, opts.AllowRaw)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, Win(w.Idx))
		msgs = append(msgs, group...)
		msgs = append(msgs, Message{T: TypeEnd})
	}
	return append(msgs, Message{T: TypeDone}), nil
}

func windowMessages(w job.Window, b codec.BlobReader, ws, n int, allowRaw bool) ([]Message, error) {
	if n == 0 {
		return nil, nil
	}
	refs := append([]job.BlobRef(nil), w.Bref...)
	sort.SliceStable(refs, func(a, c int) bool { return refs[a].At < refs[c].At })

	var data []byte
	literal := func(lo, hi int) (Message, error) {
		if !allowRaw {
			return Message{}, ErrRawRequired
		}
		if data == nil {
			full, err := job.DecodeWindow(w, b, ws)
			if err != nil {
				return Message{}, err
			}
			data = full[:n]
		}
		return Message{T: TypeRaw, P: base64.StdEncoding.EncodeToString(data[lo:hi])}, nil
	}

	var out []Message
	var pending [][2]int64
	flush := func() {
		if len(pending) > 0 {
			out = append(out, Bref(pending))
			pending = nil
		}
	}
	pos := 0
	for _, ref := range refs {
		if ref.Length <= 0 || ref.At < pos || ref.At >= n {
			continue
		}
		if ref.At > pos {
			flush()
			m, err := literal(pos, ref.At)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}
		length := min(ref.Length, n-ref.At)
		pending = append(pending, [2]int64{ref.Offset, int64(length)})
		pos = ref.At + length
	}
	flush()
	if pos < n {
		m, err := literal(pos, n)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
