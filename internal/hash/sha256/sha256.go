// Package sha256 provides SHA-256 identity and content digests.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher turns canonical identities and payloads into hex SHA-256 digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash digests a canonical identity string. Equal inputs always yield equal digests.
func (h *Hasher) Hash(identity string) string {
	return h.HashBytes([]byte(identity))
}

// HashBytes digests raw bytes, used for the auxiliary content hash.
func (h *Hasher) HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
