// Package sha256 fingerprints cookie identities with SHA-256.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Size is the length of every digest returned by Hasher.
const Size = sha256.Size * 2

// Hasher implements crawler.Hasher. Digests are lowercase hex and always Size
// characters long, so raw cookies never need to be stored alongside usage.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
