// Package chunkframe splits large text messages into JSON chunk frames
// small enough for datagram transports and reassembles them.
package chunkframe

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

const (
	WireVersion = "transfer-sdk.v1"
	FrameType   = "job-chunk"
	// DefaultChunkBytes is the payload size of each frame before base64.
	DefaultChunkBytes = 120 << 10
	// MaxTextFrameBytes bounds one text frame on the wire.
	MaxTextFrameBytes = 256 << 10
)

// ErrInvalid wraps every rejection of a well-addressed but malformed frame
// or an inconsistent sequence.
var ErrInvalid = errors.New("chunkframe: invalid frame")

// Frame is one chunk of a larger message.
type Frame struct {
	ID      string
	Index   int
	Total   int
	Payload []byte
}

type wireFrame struct {
	Wire    string          `json:"wire"`
	Type    string          `json:"type"`
	ID      json.RawMessage `json:"id"`
	Index   json.RawMessage `json:"index"`
	Total   json.RawMessage `json:"total"`
	Payload *string         `json:"payload"`
}

// Kind classifies a decoded message.
type Kind int

const (
	// NotApplicable means the message is not a chunk frame at all and
	// should be handled as a plain message.
	NotApplicable Kind = iota
	// Invalid means the message claims to be a chunk frame but is malformed.
	Invalid
	// Valid means Frame holds a well-formed chunk.
	Valid
)

// Decoded is the three-way result of Decode.
type Decoded struct {
	Kind  Kind
	Frame Frame
	Err   error
}

// Decode classifies msg and parses it when it is a chunk frame.
func Decode(msg []byte) Decoded {
	var wf wireFrame
	if err := json.Unmarshal(msg, &wf); err != nil {
		return Decoded{Kind: NotApplicable}
	}
	if wf.Wire != WireVersion || wf.Type != FrameType {
		return Decoded{Kind: NotApplicable}
	}
	invalid := func(format string, args ...any) Decoded {
		return Decoded{Kind: Invalid, Err: fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...)}
	}
	id := rawID(wf.ID)
	if id == "" {
		return invalid("chunk id missing")
	}
	index, ok := nonNegative(wf.Index)
	if !ok {
		return invalid("index must be a non-negative integer")
	}
	total, ok := nonNegative(wf.Total)
	if !ok {
		return invalid("total must be a non-negative integer")
	}
	if total == 0 {
		return invalid("total must be positive")
	}
	if index >= total {
		return invalid("index %d out of range %d", index, total)
	}
	if wf.Payload == nil {
		return invalid("chunk payload missing")
	}
	payload, err := base64.StdEncoding.Strict().DecodeString(*wf.Payload)
	if err != nil {
		return invalid("payload encoding: %v", err)
	}
	if len(payload) == 0 && total > 1 {
		return invalid("chunk payload empty")
	}
	return Decoded{Kind: Valid, Frame: Frame{ID: id, Index: index, Total: total, Payload: payload}}
}

func rawID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func nonNegative(raw json.RawMessage) (int, bool) {
	n, err := strconv.Atoi(string(bytes.TrimSpace(raw)))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Encode splits payload into frames of at most chunkBytes before base64.
// A payload that already fits is returned unframed as the only element.
func Encode(payload []byte, chunkBytes int) ([][]byte, error) {
	if chunkBytes <= 0 {
		chunkBytes = DefaultChunkBytes
	}
	if len(payload) <= chunkBytes {
		return [][]byte{payload}, nil
	}
	u := uuid.New()
	id := hex.EncodeToString(u[:])
	total := (len(payload) + chunkBytes - 1) / chunkBytes
	out := make([][]byte, 0, total)
	for idx := 0; idx < total; idx++ {
		start := idx * chunkBytes
		end := min(start+chunkBytes, len(payload))
		enc := base64.StdEncoding.EncodeToString(payload[start:end])
		frame, err := json.Marshal(struct {
			Wire    string `json:"wire"`
			Type    string `json:"type"`
			ID      string `json:"id"`
			Index   int    `json:"index"`
			Total   int    `json:"total"`
			Payload string `json:"payload"`
		}{WireVersion, FrameType, id, idx, total, enc})
		if err != nil {
			return nil, err
		}
		out = append(out, frame)
	}
	return out, nil
}
