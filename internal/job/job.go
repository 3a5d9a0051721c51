// Package job defines the transfer job: an object described as windows of
// blob references and PVRT protos, plus its JSON wire form.
package job

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kk-code-lab/ff3/internal/blob"
	"github.com/kk-code-lab/ff3/internal/storage/chunk"
)

const (
	DefaultWindowSize = 64 << 10
	DefaultObjectName = "object.bin"
)

// BlobRef records one matched run inside a window. Flags is reserved and
// always zero.
type BlobRef struct {
	Offset int64 `json:"offset"`
	Length int   `json:"length"`
	Flags  int   `json:"flags"`
	At     int   `json:"at"`
}

// Window is the encoded form of one window of the object.
type Window struct {
	Idx   int       `json:"idx"`
	Bref  []BlobRef `json:"bref"`
	Raw   string    `json:"raw,omitempty"`
	Proto string    `json:"proto,omitempty"`
}

// TransferJob describes an object as a sequence of encoded windows.
type TransferJob struct {
	ObjectName   string          `json:"object_name"`
	ObjectSize   int64           `json:"object_size"`
	WindowSize   int             `json:"window_size"`
	TotalWindows int             `json:"total_windows"`
	Blob         blob.Descriptor `json:"blob"`
	SHA256       string          `json:"sha256"`
	Windows      []Window        `json:"windows"`
}

// Manifest is the on-disk .ff3job form: a job flagged as a virtual file.
type Manifest struct {
	TransferJob
	Virtual bool `json:"virtual"`
}

var (
	ErrNotObject     = errors.New("job: payload must be an object")
	ErrInvalidJSON   = errors.New("job: invalid JSON payload")
	ErrWindowSize    = errors.New("job: window_size must be positive")
	ErrWindowCount   = errors.New("job: total_windows does not match windows")
	ErrWindowIndex   = errors.New("job: window index out of range")
	ErrDuplicateIdx  = errors.New("job: duplicate window index")
	ErrObjectSize    = errors.New("job: object_size negative")
	ErrTotalMismatch = errors.New("job: total_windows inconsistent with object_size")
)

// Marshal returns the canonical compact JSON form.
func Marshal(j *TransferJob) ([]byte, error) {
	if j == nil {
		return nil, errors.New("job: nil job")
	}
	return encodeCompact(normalized(j))
}

// MarshalManifest returns the .ff3job form of j.
func MarshalManifest(j *TransferJob) ([]byte, error) {
	if j == nil {
		return nil, errors.New("job: nil job")
	}
	return encodeCompact(&Manifest{TransferJob: *normalized(j), Virtual: true})
}

// normalized copies j with nil slices replaced so they encode as [].
func normalized(j *TransferJob) *TransferJob {
	out := *j
	out.Windows = make([]Window, len(j.Windows))
	for i, w := range j.Windows {
		if w.Bref == nil {
			w.Bref = []BlobRef{}
		}
		out.Windows[i] = w
	}
	return &out
}

func encodeCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Unmarshal decodes canonical JSON and validates the result. Use
// DecodeRelaxed for payloads from peers that may send loosely typed fields.
func Unmarshal(data []byte) (*TransferJob, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	j := m.TransferJob
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return &j, nil
}

// Validate checks the structural invariants of a job.
func (j *TransferJob) Validate() error {
	if err := checkWindowSize(j.WindowSize); err != nil {
		return err
	}
	if j.ObjectSize < 0 {
		return ErrObjectSize
	}
	if j.TotalWindows != len(j.Windows) {
		return fmt.Errorf("%w: total=%d windows=%d", ErrWindowCount, j.TotalWindows, len(j.Windows))
	}
	if want := chunk.WindowCount(j.ObjectSize, j.WindowSize); j.TotalWindows != want {
		return fmt.Errorf("%w: total=%d want=%d", ErrTotalMismatch, j.TotalWindows, want)
	}
	seen := make(map[int]struct{}, len(j.Windows))
	for _, w := range j.Windows {
		if w.Idx < 0 || w.Idx >= j.TotalWindows {
			return fmt.Errorf("%w: %d", ErrWindowIndex, w.Idx)
		}
		if _, ok := seen[w.Idx]; ok {
			return fmt.Errorf("%w: %d", ErrDuplicateIdx, w.Idx)
		}
		seen[w.Idx] = struct{}{}
	}
	return nil
}

// WindowLength returns the number of object bytes covered by window idx.
func (j *TransferJob) WindowLength(idx int) int {
	return int(chunk.WindowSpan(idx, j.WindowSize, j.ObjectSize).Len)
}
