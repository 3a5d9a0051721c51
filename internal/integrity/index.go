// Package integrity compares per-window digests between sender and
// receiver and requests repairs for windows that differ.
package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/jellydator/ttlcache/v3"

	"github.com/kk-code-lab/ff3/internal/job"
	"github.com/kk-code-lab/ff3/internal/logging"
	"github.com/kk-code-lab/ff3/internal/storage/manifest"
)

var (
	// ErrUnknown reports a sha256 with no registered source.
	ErrUnknown = errors.New("integrity: unknown sha")
	// ErrStale reports a source whose content no longer hashes to its sha.
	ErrStale = errors.New("integrity: source changed since registration")
)

type digestKey struct {
	sha string
	ws  int
}

// IndexOptions configures an Index.
type IndexOptions struct {
	// DigestDir, when set, persists computed digest lists across restarts.
	DigestDir string
	Logger    *slog.Logger
}

// Index maps object sha256 to its source file and caches per-window
// digests by (sha256, window size). Cached lists are neither expired nor
// evicted; memory grows with the number of distinct (sha256, ws) pairs.
type Index struct {
	mu    sync.RWMutex
	bySHA map[string]string

	digests   *ttlcache.Cache[digestKey, []string]
	digestDir string
	log       *slog.Logger
}

// NewIndex returns an empty index.
func NewIndex(opts IndexOptions) *Index {
	return &Index{
		bySHA: make(map[string]string),
		digests: ttlcache.New[digestKey, []string](
			ttlcache.WithTTL[digestKey, []string](ttlcache.NoTTL),
		),
		digestDir: opts.DigestDir,
		log:       logging.OrDefault(opts.Logger).With("component", "digest-index"),
	}
}

// Register hashes the file at path and indexes it under its sha256.
func (x *Index) Register(path string) (string, error) {
	sum, err := fileSHA256(path)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	x.mu.Lock()
	x.bySHA[sum] = abs
	x.mu.Unlock()
	x.log.Debug("registered", "sha256", sum, "path", abs)
	return sum, nil
}

// RegisterDir registers every regular file directly inside dir.
func (x *Index) RegisterDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	n := 0
	for _, name := range names {
		if _, err := x.Register(filepath.Join(dir, name)); err != nil {
			x.log.Warn("register failed", "path", name, "err", err)
			continue
		}
		n++
	}
	return n, nil
}

// Path returns the source registered for sha.
func (x *Index) Path(sha string) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	p, ok := x.bySHA[sha]
	return p, ok
}

// Len returns the number of registered sources.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.bySHA)
}

// Digests returns the per-window sha256 list of the source for sha cut at
// ws, computing it on first request.
func (x *Index) Digests(ctx context.Context, sha string, ws int) ([]string, error) {
	if ws <= 0 {
		return nil, job.ErrWindowSize
	}
	if ws > job.MaxWindowSize {
		return nil, job.ErrWindowTooLarge
	}
	key := digestKey{sha: sha, ws: ws}
	if item := x.digests.Get(key); item != nil {
		return item.Value(), nil
	}
	path, ok := x.Path(sha)
	if !ok {
		return nil, ErrUnknown
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	if x.digestDir != "" {
		if set, err := manifest.LoadDigests(x.digestDir, sha, ws); err == nil {
			x.digests.Set(key, set.Windows, ttlcache.NoTTL)
			return set.Windows, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	windows, got, err := job.StreamDigests(f, ws)
	if err != nil {
		return nil, err
	}
	if got != sha {
		return nil, fmt.Errorf("%w: %s", ErrStale, path)
	}
	x.digests.Set(key, windows, ttlcache.NoTTL)
	if x.digestDir != "" {
		if err := manifest.SaveDigests(x.digestDir, &manifest.DigestSet{SHA256: sha, WindowSize: ws, Windows: windows}); err != nil {
			x.log.Warn("persist digests failed", "sha256", sha, "ws", ws, "err", err)
		}
	}
	return windows, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
