// Package spool is the durable outbound queue: one JSON file per job,
// written atomically and removed to sent/ once delivered.
package spool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/renameio"

	"github.com/kk-code-lab/ff3/internal/job"
	"github.com/kk-code-lab/ff3/internal/storage/fs"
)

const (
	filePrefix = "job_"
	fileSuffix = ".json"
	maxTenant  = 24
)

// QuarantineExt is appended to entries moved aside by Quarantine.
const QuarantineExt = ".bad"

var unsafeTenant = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// ErrInvalidEntry reports a spool file that does not hold a JSON object.
var ErrInvalidEntry = errors.New("spool: invalid job payload")

// BaseName returns the collision-free stem for j before any -N suffix:
// the first 16 hex digits of the digest (or the object name) plus a tenant
// tag taken from the first segment of the decoded object name.
func BaseName(j *job.TransferJob) string {
	base := j.SHA256
	if len(base) > 16 {
		base = base[:16]
	}
	if base == "" {
		base = j.ObjectName
	}
	if base == "" {
		base = "job"
	}
	decoded := strings.ReplaceAll(j.ObjectName, fs.VirtualSep, "/")
	if tenant, _, _ := strings.Cut(decoded, "/"); tenant != "" {
		tenant = unsafeTenant.ReplaceAllString(tenant, "-")
		if len(tenant) > maxTenant {
			tenant = tenant[:maxTenant]
		}
		base += "-" + tenant
	}
	return base
}

// Write stores j in dir under a unique job_*.json name. The file appears
// atomically: readers never observe a partial entry.
func Write(dir string, j *job.TransferJob) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, err := job.Marshal(j)
	if err != nil {
		return "", err
	}
	base := BaseName(j)
	target := filepath.Join(dir, filePrefix+base+fileSuffix)
	for n := 1; exists(target); n++ {
		target = filepath.Join(dir, filePrefix+base+"-"+strconv.Itoa(n)+fileSuffix)
	}
	if err := writeAtomic(target, data); err != nil {
		return "", fmt.Errorf("spool: write %s: %w", target, err)
	}
	return target, nil
}

// List returns the pending entries of dir in lexical order. A missing
// directory is an empty spool.
func List(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return nil, err
	}
	out := matches[:0]
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		out = append(out, path)
	}
	sort.Strings(out)
	return out, nil
}

// Load reads a spool entry with the relaxed decoder.
func Load(path string) (*job.TransferJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	j, err := job.DecodeRelaxed(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEntry, filepath.Base(path), err)
	}
	return j, nil
}

// MarkSent moves a delivered entry into sentDir, keeping its name. With
// compress set the entry is archived as name.zst instead.
func MarkSent(path, sentDir string, compress bool) (string, error) {
	if err := os.MkdirAll(sentDir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(sentDir, filepath.Base(path))
	if compress {
		dest += archiveExt
		if err := archive(path, dest); err != nil {
			return "", err
		}
		if err := os.Remove(path); err != nil {
			return "", err
		}
		return dest, nil
	}
	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("spool: move to sent: %w", err)
	}
	return dest, nil
}

// Quarantine renames an unreadable entry out of the spool's listing and
// returns its new path.
func Quarantine(path string) (string, error) {
	dest := path + QuarantineExt
	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("spool: quarantine: %w", err)
	}
	return dest, nil
}

func writeAtomic(path string, data []byte) error {
	pending, err := renameio.TempFile(filepath.Dir(path), path)
	if err != nil {
		return err
	}
	defer pending.Cleanup()
	if _, err := pending.Write(data); err != nil {
		return err
	}
	return pending.CloseAtomicallyReplace()
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
