package fs

import (
	"os"
	"path/filepath"
	"strings"
)

// ManifestExt is the suffix of windowed manifests stored next to objects.
const ManifestExt = ".ff3job"

// Layout defines the on-disk directory layout of a node.
type Layout struct {
	Root   string
	Inbox  string
	Spool  string
	Sent   string
	Outbox string
}

// NewLayout builds a default layout under the given root.
func NewLayout(root string) Layout {
	spool := filepath.Join(root, "spool")
	return Layout{
		Root:   root,
		Inbox:  filepath.Join(root, "inbox"),
		Spool:  spool,
		Sent:   filepath.Join(spool, "sent"),
		Outbox: filepath.Join(root, "outbox"),
	}
}

// EnsureDirs creates every directory of the layout.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{l.Inbox, l.Spool, l.Sent, l.Outbox} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// InboxPath returns the inbox location of an encoded virtual name.
func (l Layout) InboxPath(encoded string) string {
	return filepath.Join(l.Inbox, encoded)
}

// ManifestPath returns the manifest location for an object path.
func ManifestPath(objectPath string) string {
	return objectPath + ManifestExt
}

// IsManifest reports whether name carries the manifest suffix.
func IsManifest(name string) bool {
	return strings.HasSuffix(name, ManifestExt)
}
