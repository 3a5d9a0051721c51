// Package match finds runs of window bytes that also occur in the blob.
//
// The parse is greedy: at each window position the first MinMatch bytes are
// a lookup key, the first MaxCandidates blob offsets holding that key are
// extended byte by byte, and the longest extension wins. Ties go to the
// lowest blob offset.
package match

import (
	"bytes"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/kk-code-lab/ff3/internal/codec"
)

const (
	DefaultMinMatch      = 8
	DefaultMaxCandidates = 16
)

// Options tunes the matcher.
type Options struct {
	MinMatch      int
	MaxCandidates int
}

func (o Options) withDefaults() Options {
	if o.MinMatch <= 0 {
		o.MinMatch = DefaultMinMatch
	}
	if o.MaxCandidates <= 0 {
		o.MaxCandidates = DefaultMaxCandidates
	}
	return o
}

// Matcher holds a candidate index over one blob. It is safe for concurrent
// use; the index is built on the first FindRuns call.
type Matcher struct {
	data []byte
	opts Options

	once    sync.Once
	offsets []int64 // blob offsets sorted by (MinMatch-byte key, offset)
}

// New returns a matcher over blob data. data must not change afterwards.
func New(data []byte, opts Options) *Matcher {
	return &Matcher{data: data, opts: opts.withDefaults()}
}

// Options returns the effective options.
func (m *Matcher) Options() Options { return m.opts }

func (m *Matcher) buildIndex() {
	k := m.opts.MinMatch
	n := len(m.data) - k + 1
	if n <= 0 {
		return
	}
	prefix := make([]uint64, n)
	for i := range prefix {
		prefix[i] = keyPrefix(m.data[i:], k)
	}
	offsets := make([]int64, n)
	for i := range offsets {
		offsets[i] = int64(i)
	}
	sort.Slice(offsets, func(a, b int) bool {
		oa, ob := offsets[a], offsets[b]
		if prefix[oa] != prefix[ob] {
			return prefix[oa] < prefix[ob]
		}
		if k > 8 {
			if c := bytes.Compare(m.data[oa+8:oa+int64(k)], m.data[ob+8:ob+int64(k)]); c != 0 {
				return c < 0
			}
		}
		return oa < ob
	})
	m.offsets = offsets
}

// keyPrefix packs up to the first 8 key bytes big-endian so that integer
// order matches byte order.
func keyPrefix(b []byte, k int) uint64 {
	if k >= 8 {
		return binary.BigEndian.Uint64(b[:8])
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v <<= 8
		if i < k {
			v |= uint64(b[i])
		}
	}
	return v
}

// Candidates returns the lowest blob offsets holding key, at most
// MaxCandidates of them. len(key) must equal MinMatch.
func (m *Matcher) Candidates(key []byte) []int64 {
	m.once.Do(m.buildIndex)
	k := m.opts.MinMatch
	if len(key) != k {
		return nil
	}
	lo := sort.Search(len(m.offsets), func(i int) bool {
		off := m.offsets[i]
		return bytes.Compare(m.data[off:off+int64(k)], key) >= 0
	})
	var out []int64
	for i := lo; i < len(m.offsets) && len(out) < m.opts.MaxCandidates; i++ {
		off := m.offsets[i]
		if !bytes.Equal(m.data[off:off+int64(k)], key) {
			break
		}
		out = append(out, off)
	}
	return out
}

// FindRuns parses window against the blob. Returned runs are sorted by At,
// non-overlapping and at least MinMatch long; contiguous runs are coalesced.
func (m *Matcher) FindRuns(window []byte) []codec.Run {
	k := m.opts.MinMatch
	end := len(window)
	cache := make(map[string][]int64)
	var runs []codec.Run
	i := 0
	for i+k <= end {
		key := window[i : i+k]
		cands, ok := cache[string(key)]
		if !ok {
			cands = m.Candidates(key)
			cache[string(key)] = cands
		}
		bestLen := 0
		bestOff := int64(-1)
		for _, off := range cands {
			n := extend(m.data, off, window, i)
			if n > bestLen {
				bestLen = n
				bestOff = off
			}
			if i+bestLen >= end {
				break
			}
		}
		if bestLen < k || bestOff < 0 {
			i++
			continue
		}
		if last := len(runs) - 1; last >= 0 &&
			runs[last].At+runs[last].Length == i &&
			runs[last].Offset+int64(runs[last].Length) == bestOff {
			runs[last].Length += bestLen
		} else {
			runs = append(runs, codec.Run{At: i, Offset: bestOff, Length: bestLen})
		}
		i += bestLen
	}
	return runs
}

func extend(data []byte, off int64, window []byte, at int) int {
	n := 0
	for off+int64(n) < int64(len(data)) && at+n < len(window) {
		if data[off+int64(n)] != window[at+n] {
			break
		}
		n++
	}
	return n
}
