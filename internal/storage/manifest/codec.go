package manifest

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/renameio"
	"github.com/zeebo/blake3"
)

const (
	digestMagic   = 0x44334646 // "FF3D"
	digestV1      = 1
	headerLen     = 4 + 4
	checksumLen   = 32
	sha256Len     = 32
	digestFileExt = ".ff3sum"
)

var (
	ErrDigestTruncated = errors.New("manifest: digest file truncated")
	ErrDigestChecksum  = errors.New("manifest: digest checksum mismatch")
	ErrDigestMagic     = errors.New("manifest: digest bad magic")
	ErrDigestVersion   = errors.New("manifest: digest unsupported version")
)

// DigestSet holds the per-window SHA-256 digests of one object at one
// window size. Digests are lowercase hex.
type DigestSet struct {
	SHA256     string
	WindowSize int
	Windows    []string
}

// DigestCodec serializes digest sets.
type DigestCodec interface {
	Encode(w io.Writer, d *DigestSet) error
	Decode(r io.Reader) (*DigestSet, error)
}

// BinaryCodec stores raw 32-byte digests behind a header and a blake3
// checksum of the body.
type BinaryCodec struct{}

// Encode writes d with a header and checksum.
func (c *BinaryCodec) Encode(w io.Writer, d *DigestSet) error {
	if d == nil {
		return errors.New("manifest: nil digest set")
	}
	buf := make([]byte, 0, headerLen+sha256Len+8+len(d.Windows)*sha256Len)
	buf = binary.LittleEndian.AppendUint32(buf, digestMagic)
	buf = binary.LittleEndian.AppendUint32(buf, digestV1)
	var err error
	if buf, err = appendDigest(buf, d.SHA256); err != nil {
		return err
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(d.WindowSize))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(d.Windows)))
	for _, h := range d.Windows {
		if buf, err = appendDigest(buf, h); err != nil {
			return err
		}
	}
	checksum := blake3.Sum256(buf[headerLen:])
	if _, err := w.Write(buf); err != nil {
		return err
	}
	_, err = w.Write(checksum[:])
	return err
}

// Decode reads a digest set and validates header and checksum.
func (c *BinaryCodec) Decode(r io.Reader) (*DigestSet, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) < headerLen+sha256Len+8+checksumLen {
		return nil, ErrDigestTruncated
	}
	body := data[:len(data)-checksumLen]
	sum := blake3.Sum256(body[headerLen:])
	if !bytes.Equal(sum[:], data[len(data)-checksumLen:]) {
		return nil, ErrDigestChecksum
	}
	if binary.LittleEndian.Uint32(body[0:4]) != digestMagic {
		return nil, ErrDigestMagic
	}
	if binary.LittleEndian.Uint32(body[4:8]) != digestV1 {
		return nil, ErrDigestVersion
	}
	offset := headerLen
	d := &DigestSet{SHA256: hex.EncodeToString(body[offset : offset+sha256Len])}
	offset += sha256Len
	d.WindowSize = int(binary.LittleEndian.Uint32(body[offset:]))
	count := int(binary.LittleEndian.Uint32(body[offset+4:]))
	offset += 8
	if count < 0 || len(body)-offset != count*sha256Len {
		return nil, ErrDigestTruncated
	}
	d.Windows = make([]string, count)
	for i := range d.Windows {
		d.Windows[i] = hex.EncodeToString(body[offset : offset+sha256Len])
		offset += sha256Len
	}
	return d, nil
}

func appendDigest(buf []byte, h string) ([]byte, error) {
	raw, err := hex.DecodeString(h)
	if err != nil || len(raw) != sha256Len {
		return nil, errors.New("manifest: digest must be 64 hex characters")
	}
	return append(buf, raw...), nil
}

// DigestPath returns where the digest set for (sha, ws) lives under dir.
func DigestPath(dir, sha string, windowSize int) string {
	return filepath.Join(dir, sha+"-"+strconv.Itoa(windowSize)+digestFileExt)
}

// SaveDigests writes d under dir atomically.
func SaveDigests(dir string, d *DigestSet) error {
	var buf bytes.Buffer
	if err := (&BinaryCodec{}).Encode(&buf, d); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(DigestPath(dir, d.SHA256, d.WindowSize), buf.Bytes(), 0o644)
}

// LoadDigests reads the digest set for (sha, ws) from dir.
func LoadDigests(dir, sha string, windowSize int) (*DigestSet, error) {
	f, err := os.Open(DigestPath(dir, sha, windowSize))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return (&BinaryCodec{}).Decode(f)
}
