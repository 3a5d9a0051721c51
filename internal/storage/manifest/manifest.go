// Package manifest stores .ff3job files: the job for an object whose bytes
// are kept virtually, plus a lazy reader that materializes the object.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio"

	"github.com/kk-code-lab/ff3/internal/job"
	"github.com/kk-code-lab/ff3/internal/storage/fs"
)

// ErrNotManifest reports a path without the .ff3job extension.
var ErrNotManifest = errors.New("manifest: not a .ff3job path")

// Write stores j as the manifest for objectPath and returns the manifest
// path. An existing manifest is replaced atomically.
func Write(objectPath string, j *job.TransferJob) (string, error) {
	path := objectPath
	if !fs.IsManifest(path) {
		path = fs.ManifestPath(objectPath)
	}
	data, err := job.MarshalManifest(j)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("manifest: write %s: %w", path, err)
	}
	return path, nil
}

// Read loads a manifest with the relaxed decoder.
func Read(path string) (*job.TransferJob, error) {
	if !fs.IsManifest(path) {
		return nil, fmt.Errorf("%w: %s", ErrNotManifest, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	j, err := job.DecodeRelaxed(data)
	if err != nil {
		return nil, fmt.Errorf("manifest: %s: %w", filepath.Base(path), err)
	}
	return j, nil
}

// List returns every manifest directly under dir, sorted.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !fs.IsManifest(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// ObjectPath returns the object path a manifest stands for.
func ObjectPath(manifestPath string) string {
	return strings.TrimSuffix(manifestPath, fs.ManifestExt)
}
