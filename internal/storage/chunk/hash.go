package chunk

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Hash computes the BLAKE3 digest used to spot repeated windows.
func Hash(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// SHA256Hex returns the lowercase hex SHA-256 of data. Window and object
// digests exchanged between peers use this form.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
