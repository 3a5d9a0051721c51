// Package checkpoint remembers which files a polling daemon has already
// handled, keyed by path and modification time.
package checkpoint

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/renameio"
)

// Checkpoint maps path to the mtime last handled. The zero value is not
// usable; call New or Load.
type Checkpoint struct {
	mu   sync.Mutex
	seen map[string]time.Time
	file string
}

// New returns an in-memory checkpoint.
func New() *Checkpoint {
	return &Checkpoint{seen: make(map[string]time.Time)}
}

// Load reads a checkpoint persisted at file. A missing file yields an
// empty checkpoint that Save will create.
func Load(file string) (*Checkpoint, error) {
	cp := New()
	cp.file = file
	data, err := os.ReadFile(file)
	if errors.Is(err, os.ErrNotExist) {
		return cp, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &cp.seen); err != nil {
		return nil, err
	}
	if cp.seen == nil {
		cp.seen = make(map[string]time.Time)
	}
	return cp, nil
}

// Changed reports whether path is new or its mtime differs from the one
// last marked.
func (c *Checkpoint) Changed(path string, mtime time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.seen[path]
	return !ok || !prev.Equal(mtime)
}

// Mark records path as handled at mtime.
func (c *Checkpoint) Mark(path string, mtime time.Time) {
	c.mu.Lock()
	c.seen[path] = mtime
	c.mu.Unlock()
}

// Forget drops paths not in keep, so deleted files do not accumulate.
func (c *Checkpoint) Forget(keep map[string]bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for p := range c.seen {
		if !keep[p] {
			delete(c.seen, p)
			n++
		}
	}
	return n
}

// Len returns the number of tracked paths.
func (c *Checkpoint) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Save persists the checkpoint atomically. It is a no-op for in-memory
// checkpoints.
func (c *Checkpoint) Save() error {
	if c.file == "" {
		return nil
	}
	c.mu.Lock()
	data, err := json.Marshal(c.seen)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return renameio.WriteFile(c.file, data, 0o644)
}
