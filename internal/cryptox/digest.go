package cryptox

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// HashDigest is the BLAKE3-256 digest of some content.
type HashDigest [32]byte

// Digest hashes data.
func Digest(data []byte) HashDigest {
	return HashDigest(blake3.Sum256(data))
}

func (d HashDigest) String() string { return hex.EncodeToString(d[:]) }
