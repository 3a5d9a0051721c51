// Package blob provides the shared byte space that windows reference.
//
// A blob is either generated deterministically from a seed or mapped from a
// file. Two peers holding equal descriptors see byte-identical data.
package blob

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

const (
	DefaultSize = 4 << 20
	DefaultSeed = 1337
)

// Descriptor identifies a blob. When Path names a readable file the file
// contents are the blob and Size is taken from the file length.
type Descriptor struct {
	Size int64  `json:"size"`
	Seed int64  `json:"seed"`
	Path string `json:"path,omitempty"`
}

// Match is a window-sized region of the blob equal to a looked-up window.
type Match struct {
	Offset int64
	Length int
}

// Blob is an immutable byte space loaded lazily on first access.
type Blob struct {
	desc Descriptor

	loadOnce sync.Once
	loadErr  error
	data     []byte
	unmap    func() error

	mu      sync.Mutex
	indexes map[int]map[[32]byte][]int64
}

// New returns an unloaded blob for the descriptor. Seed is used as given,
// including zero.
func New(desc Descriptor) *Blob {
	if desc.Size <= 0 {
		desc.Size = DefaultSize
	}
	return &Blob{desc: desc, indexes: make(map[int]map[[32]byte][]int64)}
}

// Descriptor returns the descriptor with Size resolved after loading.
func (b *Blob) Descriptor() Descriptor {
	if err := b.ensureLoaded(); err == nil {
		d := b.desc
		d.Size = int64(len(b.data))
		return d
	}
	return b.desc
}

// Size returns the blob length in bytes.
func (b *Blob) Size() (int64, error) {
	if err := b.ensureLoaded(); err != nil {
		return 0, err
	}
	return int64(len(b.data)), nil
}

// Bytes exposes the full blob. Callers must not modify the slice.
func (b *Blob) Bytes() ([]byte, error) {
	if err := b.ensureLoaded(); err != nil {
		return nil, err
	}
	return b.data, nil
}

func (b *Blob) ensureLoaded() error {
	b.loadOnce.Do(func() {
		if b.desc.Path != "" {
			if info, err := os.Stat(b.desc.Path); err == nil && info.Mode().IsRegular() {
				data, unmap, err := mapFile(b.desc.Path)
				if err != nil {
					b.loadErr = fmt.Errorf("blob: map %s: %w", b.desc.Path, err)
					return
				}
				if len(data) == 0 {
					_ = unmap()
					b.loadErr = errors.New("blob: empty blob file")
					return
				}
				b.data = data
				b.unmap = unmap
				return
			}
		}
		b.data = Generate(b.desc.Seed, b.desc.Size)
	})
	return b.loadErr
}

// Generate produces size bytes from a running BLAKE2b-128 state seeded with
// the decimal seed. Each step absorbs a big-endian u32 counter and appends
// the current 16-byte digest.
func Generate(seed, size int64) []byte {
	h, err := blake2b.New(16, nil)
	if err != nil {
		panic(fmt.Sprintf("blob: blake2b: %v", err))
	}
	_, _ = h.Write([]byte(strconv.FormatInt(seed, 10)))
	out := make([]byte, 0, size+16)
	var counter [4]byte
	for i := uint32(0); int64(len(out)) < size; i++ {
		binary.BigEndian.PutUint32(counter[:], i)
		_, _ = h.Write(counter[:])
		out = h.Sum(out)
	}
	return out[:size]
}

// Read returns length bytes starting at offset, treating the blob as a ring.
// Reads longer than the blob repeat it.
func (b *Blob) Read(offset int64, length int) ([]byte, error) {
	if err := b.ensureLoaded(); err != nil {
		return nil, err
	}
	if length <= 0 {
		return nil, nil
	}
	size := int64(len(b.data))
	start := offset % size
	if start < 0 {
		start += size
	}
	if start+int64(length) <= size {
		out := make([]byte, length)
		copy(out, b.data[start:start+int64(length)])
		return out, nil
	}
	out := make([]byte, 0, length)
	out = append(out, b.data[start:]...)
	for len(out) < length {
		n := length - len(out)
		if n > len(b.data) {
			n = len(b.data)
		}
		out = append(out, b.data[:n]...)
	}
	return out, nil
}

// IterWindows calls fn for each window-aligned slice of the blob. The last
// slice may be short. Returning an error from fn stops iteration.
func (b *Blob) IterWindows(windowSize int, fn func(offset int64, data []byte) error) error {
	if windowSize <= 0 {
		return errors.New("blob: window size must be positive")
	}
	if err := b.ensureLoaded(); err != nil {
		return err
	}
	for off := 0; off < len(b.data); off += windowSize {
		end := off + windowSize
		if end > len(b.data) {
			end = len(b.data)
		}
		if err := fn(int64(off), b.data[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns every window-aligned offset whose bytes equal data. data
// must be exactly windowSize long; other lengths never match.
func (b *Blob) Lookup(data []byte, windowSize int) ([]Match, error) {
	if len(data) == 0 || len(data) != windowSize {
		return nil, nil
	}
	index, err := b.windowIndex(windowSize)
	if err != nil {
		return nil, err
	}
	var out []Match
	for _, off := range index[blake3.Sum256(data)] {
		if bytes.Equal(b.data[off:off+int64(windowSize)], data) {
			out = append(out, Match{Offset: off, Length: windowSize})
		}
	}
	return out, nil
}

func (b *Blob) windowIndex(windowSize int) (map[[32]byte][]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx, ok := b.indexes[windowSize]; ok {
		return idx, nil
	}
	idx := make(map[[32]byte][]int64)
	err := b.IterWindows(windowSize, func(off int64, chunk []byte) error {
		if len(chunk) == windowSize {
			key := blake3.Sum256(chunk)
			idx[key] = append(idx[key], off)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.indexes[windowSize] = idx
	return idx, nil
}

// Close releases a mapped file. Generated blobs need no cleanup.
func (b *Blob) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unmap == nil {
		return nil
	}
	err := b.unmap()
	b.unmap = nil
	b.data = nil
	return err
}
