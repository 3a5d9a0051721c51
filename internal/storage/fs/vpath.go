package fs

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// VirtualSep replaces "/" when a user path is flattened into one file name.
const VirtualSep = "%2f"

var (
	ErrTraversal = errors.New("fs: path escapes root")

	unsafeRun    = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	numberSuffix = regexp.MustCompile(`^(.*)-(\d+)$`)
)

// EncodeVirtualPath flattens a slash separated path into a single name.
// Leading and trailing slashes and whitespace are dropped.
func EncodeVirtualPath(path string) string {
	cleaned := strings.Trim(strings.TrimSpace(path), "/")
	return strings.ReplaceAll(cleaned, "/", VirtualSep)
}

// EncodeUserPath encodes user and name as "user%2fname". Only the first
// segment of user is kept.
func EncodeUserPath(user, name string) string {
	user = strings.TrimSpace(user)
	if i := strings.IndexByte(user, '/'); i >= 0 {
		user = user[:i]
	}
	if user == "" {
		user = "user"
	}
	return EncodeVirtualPath(user + "/" + strings.Trim(strings.TrimSpace(name), "/"))
}

// DecodeVirtualPath reverses the encoding and splits off the first segment:
// "alice%2fdocs%2fa.txt" yields ("alice", "docs/a.txt"). A name without
// separators yields an empty user.
func DecodeVirtualPath(encoded string) (user, stored string) {
	decoded := strings.ReplaceAll(encoded, VirtualSep, "/")
	user, stored, ok := strings.Cut(decoded, "/")
	if !ok {
		return "", decoded
	}
	return user, stored
}

// SafeObjectName sanitizes every segment of a peer supplied object name
// and re-encodes it as one flat file name.
func SafeObjectName(objectName string) string {
	decoded := strings.ReplaceAll(objectName, VirtualSep, "/")
	var parts []string
	for _, seg := range strings.Split(decoded, "/") {
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		parts = append(parts, SanitizeFilename(seg, "_"))
	}
	if len(parts) == 0 {
		return "object.bin"
	}
	return strings.Join(parts, VirtualSep)
}

// UniqueTarget returns the first path under root for encoded that does not
// exist yet, counting manifests. Collisions bump a "-N" suffix on the leaf segment.
func UniqueTarget(root, encoded string) string {
	candidate := filepath.Join(root, encoded)
	for taken(candidate) {
		parts := strings.Split(encoded, VirtualSep)
		parts[len(parts)-1] = bumpSuffix(parts[len(parts)-1])
		encoded = strings.Join(parts, VirtualSep)
		candidate = filepath.Join(root, encoded)
	}
	return candidate
}

func bumpSuffix(name string) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		return name + "-1"
	}
	if m := numberSuffix.FindStringSubmatch(stem); m != nil {
		n, err := strconv.Atoi(m[2])
		if err == nil {
			return m[1] + "-" + strconv.Itoa(n+1) + ext
		}
	}
	return stem + "-1" + ext
}

// SanitizeFilename reduces a client supplied name to a safe base name.
func SanitizeFilename(candidate, fallback string) string {
	if fallback == "" {
		fallback = "upload.bin"
	}
	if candidate == "" {
		candidate = fallback
	}
	name := filepath.Base(filepath.ToSlash(candidate))
	if name == "." || name == "/" || name == "" {
		name = fallback
	}
	cleaned := strings.Trim(unsafeRun.ReplaceAllString(name, "-"), ".-")
	if cleaned == "" {
		cleaned = fallback
	}
	if len(cleaned) > 255 {
		cleaned = cleaned[:255]
	}
	return cleaned
}

// UniquePath returns dir/filename, or dir/stem-N.ext for the first unused N.
func UniquePath(dir, filename string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	if stem == "" {
		stem = "upload"
	}
	candidate := filepath.Join(dir, stem+ext)
	for n := 1; taken(candidate); n++ {
		candidate = filepath.Join(dir, stem+"-"+strconv.Itoa(n)+ext)
	}
	return candidate, nil
}

// ResolveChild joins candidate onto root and rejects results outside root.
func ResolveChild(root, candidate string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	target := filepath.Join(absRoot, candidate)
	rel, err := filepath.Rel(absRoot, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrTraversal
	}
	return target, nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// taken reports whether path or its manifest already exists, so a virtual
// object whose bytes were dropped still reserves its name.
func taken(path string) bool {
	return exists(path) || exists(ManifestPath(path))
}
