// Package codec implements the PVRT/IPROG v1 window format.
//
// Layout (before base64):
//
//	"IPV1" | uvarint count | count × (uvarint offset, uvarint length) | program
//
// The program is a sequence of LIT <uvarint n><n bytes>, CPYI <uvarint idx>
// and a final END. The string form is URL-safe base64 without padding.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

const (
	Magic = "IPV1"

	OpLit  byte = 0x00
	OpCpyI byte = 0x01
	OpEnd  byte = 0x7F
)

var (
	ErrBadMagic      = errors.New("codec: bad proto magic")
	ErrTruncated     = errors.New("codec: truncated varint")
	ErrOverflow      = errors.New("codec: varint overflow")
	ErrTruncatedLit  = errors.New("codec: truncated LIT")
	ErrIndexRange    = errors.New("codec: pvrt index out of range")
	ErrUnknownOpcode = errors.New("codec: unknown opcode")
	ErrBase64        = errors.New("codec: invalid base64")
)

// Run says that window[At:At+Length] equals blob[Offset:Offset+Length].
type Run struct {
	At     int
	Offset int64
	Length int
}

// Ref is one PVRT table entry.
type Ref struct {
	Offset int64
	Length int
}

// BlobReader reads from the shared blob with ring semantics.
type BlobReader interface {
	Read(offset int64, length int) ([]byte, error)
}

// Normalize clamps runs to [0, windowLen), drops empty and overlapping
// spans, sorts by (At, Offset) and coalesces runs that are contiguous in both
// the window and the blob.
func Normalize(runs []Run, windowLen int) []Run {
	out := make([]Run, 0, len(runs))
	for _, r := range runs {
		if r.Length <= 0 || r.At >= windowLen {
			continue
		}
		if r.At < 0 {
			trim := -r.At
			if r.Length <= trim {
				continue
			}
			r.Length -= trim
			r.Offset += int64(trim)
			r.At = 0
		}
		if r.At+r.Length > windowLen {
			r.Length = windowLen - r.At
		}
		if r.Length > 0 {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].At != out[j].At {
			return out[i].At < out[j].At
		}
		return out[i].Offset < out[j].Offset
	})
	merged := out[:0]
	pos := 0
	for _, r := range out {
		if r.At < pos {
			// Overlaps the previous run; keep only the uncovered tail.
			trim := pos - r.At
			if r.Length <= trim {
				continue
			}
			r.At += trim
			r.Offset += int64(trim)
			r.Length -= trim
		}
		if n := len(merged); n > 0 {
			m := &merged[n-1]
			if m.At+m.Length == r.At && m.Offset+int64(m.Length) == r.Offset {
				m.Length += r.Length
				pos = m.At + m.Length
				continue
			}
		}
		merged = append(merged, r)
		pos = r.At + r.Length
	}
	return merged
}

// Table returns the deduplicated PVRT for normalized runs, in first-use order,
// and each run's index into it.
func Table(runs []Run) ([]Ref, []int) {
	table := make([]Ref, 0, len(runs))
	seen := make(map[Ref]int, len(runs))
	indexes := make([]int, len(runs))
	for i, r := range runs {
		key := Ref{Offset: r.Offset, Length: r.Length}
		idx, ok := seen[key]
		if !ok {
			idx = len(table)
			seen[key] = idx
			table = append(table, key)
		}
		indexes[i] = idx
	}
	return table, indexes
}

// EncodeBinary encodes a window to the raw binary proto. It never fails:
// bytes not covered by a run are emitted as literals.
func EncodeBinary(window []byte, runs []Run) []byte {
	norm := Normalize(runs, len(window))
	table, indexes := Table(norm)

	buf := make([]byte, 0, len(Magic)+8+len(table)*6)
	buf = append(buf, Magic...)
	buf = binary.AppendUvarint(buf, uint64(len(table)))
	for _, ref := range table {
		buf = binary.AppendUvarint(buf, uint64(ref.Offset))
		buf = binary.AppendUvarint(buf, uint64(ref.Length))
	}
	pos := 0
	for i, r := range norm {
		if r.At > pos {
			buf = appendLit(buf, window[pos:r.At])
		}
		buf = append(buf, OpCpyI)
		buf = binary.AppendUvarint(buf, uint64(indexes[i]))
		pos = r.At + r.Length
	}
	if pos < len(window) {
		buf = appendLit(buf, window[pos:])
	}
	return append(buf, OpEnd)
}

// Encode encodes a window and returns the base64 proto string.
func Encode(window []byte, runs []Run) string {
	return base64.RawURLEncoding.EncodeToString(EncodeBinary(window, runs))
}

func appendLit(buf, lit []byte) []byte {
	buf = append(buf, OpLit)
	buf = binary.AppendUvarint(buf, uint64(len(lit)))
	return append(buf, lit...)
}

// DecodeString decodes the textual proto. Padding is optional.
func DecodeString(proto string, blob BlobReader, windowSize int) ([]byte, error) {
	raw, err := DecodeBase64(proto)
	if err != nil {
		return nil, err
	}
	return Decode(raw, blob, windowSize)
}

// DecodeBase64 reverses the URL-safe encoding, accepting padded input.
func DecodeBase64(proto string) ([]byte, error) {
	for len(proto) > 0 && proto[len(proto)-1] == '=' {
		proto = proto[:len(proto)-1]
	}
	raw, err := base64.RawURLEncoding.DecodeString(proto)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBase64, err)
	}
	return raw, nil
}

// Decode runs the binary proto against blob and returns exactly windowSize
// bytes: a short program is zero padded, a long one truncated.
func Decode(raw []byte, blob BlobReader, windowSize int) ([]byte, error) {
	if windowSize < 0 {
		windowSize = 0
	}
	table, pos, err := readTable(raw)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, windowSize)
	for pos < len(raw) && len(out) < windowSize {
		op := raw[pos]
		pos++
		switch op {
		case OpEnd:
			return fit(out, windowSize), nil
		case OpLit:
			var n uint64
			if n, pos, err = readUvarint(raw, pos); err != nil {
				return nil, err
			}
			if n > uint64(len(raw)-pos) {
				return nil, ErrTruncatedLit
			}
			out = append(out, raw[pos:pos+int(n)]...)
			pos += int(n)
		case OpCpyI:
			var idx uint64
			if idx, pos, err = readUvarint(raw, pos); err != nil {
				return nil, err
			}
			if idx >= uint64(len(table)) {
				return nil, ErrIndexRange
			}
			ref := table[idx]
			if ref.Length <= 0 {
				continue
			}
			// Never materialize more than the window can hold.
			n := ref.Length
			if room := windowSize - len(out); n > room {
				n = room
			}
			seg, err := blob.Read(ref.Offset, n)
			if err != nil {
				return nil, fmt.Errorf("codec: blob read: %w", err)
			}
			out = append(out, seg...)
		default:
			return nil, fmt.Errorf("%w 0x%02x", ErrUnknownOpcode, op)
		}
	}
	return fit(out, windowSize), nil
}

func fit(out []byte, windowSize int) []byte {
	if len(out) > windowSize {
		return out[:windowSize]
	}
	for len(out) < windowSize {
		out = append(out, 0)
	}
	return out
}

func readUvarint(buf []byte, pos int) (uint64, int, error) {
	v, n := binary.Uvarint(buf[pos:])
	switch {
	case n == 0:
		return 0, pos, ErrTruncated
	case n < 0:
		return 0, pos, ErrOverflow
	}
	return v, pos + n, nil
}

// Inspect decodes only the header and table of a proto.
func Inspect(raw []byte) ([]Ref, error) {
	table, _, err := readTable(raw)
	return table, err
}

func readTable(raw []byte) ([]Ref, int, error) {
	if len(raw) < len(Magic) || !bytes.Equal(raw[:len(Magic)], []byte(Magic)) {
		return nil, 0, ErrBadMagic
	}
	count, pos, err := readUvarint(raw, len(Magic))
	if err != nil {
		return nil, 0, err
	}
	// Each entry needs at least two bytes; reject absurd counts early.
	if count > uint64(len(raw)-pos)/2 {
		return nil, 0, ErrTruncated
	}
	table := make([]Ref, 0, count)
	for i := uint64(0); i < count; i++ {
		var off, length uint64
		if off, pos, err = readUvarint(raw, pos); err != nil {
			return nil, 0, err
		}
		if length, pos, err = readUvarint(raw, pos); err != nil {
			return nil, 0, err
		}
		table = append(table, Ref{Offset: int64(off), Length: int(length)})
	}
	return table, pos, nil
}
