package chunkframe

import (
	"fmt"
	"sync"
	"unicode/utf8"
)

const (
	DefaultMaxMessages   = 128
	DefaultMaxTotalBytes = 64 << 20
)

// Status is the outcome of Assembler.Accept.
type Status int

const (
	// Passthrough means the message was not a chunk frame.
	Passthrough Status = iota
	// Pending means a frame was stored and its message is incomplete.
	Pending
	// Complete means the message was reassembled.
	Complete
)

type pending struct {
	total int
	parts map[int][]byte
	size  int
}

// Assembler reassembles chunked messages. It is safe for concurrent use.
type Assembler struct {
	maxMessages int
	maxBytes    int

	mu      sync.Mutex
	pending map[string]*pending
	order   []string
}

// NewAssembler returns an assembler bounded to maxMessages in-flight
// messages of at most maxBytes each. Zero values take defaults.
func NewAssembler(maxMessages, maxBytes int) *Assembler {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxTotalBytes
	}
	return &Assembler{
		maxMessages: maxMessages,
		maxBytes:    maxBytes,
		pending:     make(map[string]*pending),
	}
}

// Accept consumes one message. For Passthrough the message itself is
// returned; for Complete the reassembled payload. Errors abort only the
// message they belong to.
func (a *Assembler) Accept(msg []byte) ([]byte, Status, error) {
	d := Decode(msg)
	switch d.Kind {
	case NotApplicable:
		return msg, Passthrough, nil
	case Invalid:
		return nil, Pending, d.Err
	}
	f := d.Frame

	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.pending[f.ID]
	if !ok {
		a.evictLocked()
		st = &pending{total: f.Total, parts: make(map[int][]byte, f.Total)}
		a.pending[f.ID] = st
		a.order = append(a.order, f.ID)
	} else if st.total != f.Total {
		a.dropLocked(f.ID)
		return nil, Pending, fmt.Errorf("%w: chunk sequence total mismatch", ErrInvalid)
	}
	if _, dup := st.parts[f.Index]; dup {
		a.dropLocked(f.ID)
		return nil, Pending, fmt.Errorf("%w: duplicate chunk index %d", ErrInvalid, f.Index)
	}
	if st.size+len(f.Payload) > a.maxBytes {
		a.dropLocked(f.ID)
		return nil, Pending, fmt.Errorf("%w: chunk sequence exceeds %d bytes", ErrInvalid, a.maxBytes)
	}
	st.parts[f.Index] = f.Payload
	st.size += len(f.Payload)
	if len(st.parts) < st.total {
		return nil, Pending, nil
	}

	a.dropLocked(f.ID)
	out := make([]byte, 0, st.size)
	for i := 0; i < st.total; i++ {
		out = append(out, st.parts[i]...)
	}
	if !utf8.Valid(out) {
		return nil, Pending, fmt.Errorf("%w: assembled payload is not valid UTF-8", ErrInvalid)
	}
	return out, Complete, nil
}

// Len returns the number of incomplete messages held.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *Assembler) evictLocked() {
	for len(a.pending) >= a.maxMessages && len(a.order) > 0 {
		a.dropLocked(a.order[0])
	}
}

func (a *Assembler) dropLocked(id string) {
	delete(a.pending, id)
	for i, v := range a.order {
		if v == id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}
