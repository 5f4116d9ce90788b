// Package sha256 fingerprints generated drafts so archived copies are
// content-addressed.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements publishing.Hasher using SHA-256.
type Hasher struct {
	prefixLen int
}

// New returns a hasher that emits full hex digests.
func New() *Hasher {
	return &Hasher{}
}

// NewShort returns a hasher that truncates digests to n hex characters, which
// keeps archive object names readable.
func NewShort(n int) *Hasher {
	return &Hasher{prefixLen: n}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if h.prefixLen > 0 && h.prefixLen < len(digest) {
		return digest[:h.prefixLen], nil
	}
	return digest, nil
}
