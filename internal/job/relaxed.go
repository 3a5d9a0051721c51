package job

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/kk-code-lab/ff3/internal/blob"
)

// DecodeRelaxed parses a job from a peer. Numeric fields may arrive as
// integers, floats or numeric strings; missing fields take defaults and
// malformed windows or refs are skipped. Only non-object JSON is rejected.
func DecodeRelaxed(data []byte) (*TransferJob, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return FromMap(obj), nil
}

// FromMap builds a job from an already decoded JSON object.
func FromMap(obj map[string]any) *TransferJob {
	desc := blob.Descriptor{Size: blob.DefaultSize, Seed: blob.DefaultSeed}
	if b, ok := obj["blob"].(map[string]any); ok {
		desc.Size = toInt(b["size"], blob.DefaultSize)
		desc.Seed = toInt(b["seed"], blob.DefaultSeed)
		if p, ok := b["path"].(string); ok {
			desc.Path = p
		}
	}

	var windows []Window
	if list, ok := obj["windows"].([]any); ok {
		for _, entry := range list {
			wm, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			w := Window{
				Idx:   int(toInt(wm["idx"], 0)),
				Raw:   toString(wm["raw"]),
				Proto: toString(wm["proto"]),
				Bref:  []BlobRef{},
			}
			if refs, ok := wm["bref"].([]any); ok {
				for _, ref := range refs {
					rm, ok := ref.(map[string]any)
					if !ok {
						continue
					}
					w.Bref = append(w.Bref, BlobRef{
						Offset: toInt(rm["offset"], 0),
						Length: int(toInt(rm["length"], 0)),
						Flags:  int(toInt(rm["flags"], 0)),
						At:     int(toInt(rm["at"], 0)),
					})
				}
			}
			windows = append(windows, w)
		}
	}

	defTotal := int64(len(windows))
	if defTotal == 0 {
		defTotal = 1
	}
	name := DefaultObjectName
	if v, ok := obj["object_name"]; ok && v != nil {
		name = toString(v)
	}
	return &TransferJob{
		ObjectName:   name,
		ObjectSize:   toInt(obj["object_size"], 0),
		WindowSize:   int(toInt(obj["window_size"], DefaultWindowSize)),
		TotalWindows: int(toInt(obj["total_windows"], defTotal)),
		Blob:         desc,
		SHA256:       toString(obj["sha256"]),
		Windows:      windows,
	}
}

// toInt coerces JSON numbers, booleans and numeric strings. Floats are
// truncated toward zero.
func toInt(v any, def int64) int64 {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return int64(f)
		}
		return def
	case float64:
		return int64(t)
	case bool:
		if t {
			return 1
		}
		return 0
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return def
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return def
		}
		return n
	default:
		return def
	}
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
