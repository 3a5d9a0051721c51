package blob

import (
	"path/filepath"
	"sync"
)

type cacheKey struct {
	path string
	size int64
	seed int64
}

// Cache hands out one Blob per descriptor so the generated bytes and lookup
// indexes are shared by every job in the process.
type Cache struct {
	mu    sync.Mutex
	blobs map[cacheKey]*Blob
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{blobs: make(map[cacheKey]*Blob)}
}

// Get returns the cached blob for desc, creating it on first use.
func (c *Cache) Get(desc Descriptor) *Blob {
	key := cacheKey{size: desc.Size, seed: desc.Seed}
	if desc.Path != "" {
		if abs, err := filepath.Abs(desc.Path); err == nil {
			key.path = abs
		} else {
			key.path = desc.Path
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.blobs[key]; ok {
		return b
	}
	b := New(desc)
	c.blobs[key] = b
	return b
}

// Len reports how many distinct blobs are cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.blobs)
}

// Close releases every cached blob.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for key, b := range c.blobs {
		if err := b.Close(); err != nil && first == nil {
			first = err
		}
		delete(c.blobs, key)
	}
	return first
}
