package offline

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// DigestAlgorithm is the hash algorithm used for stored payload digests.
const DigestAlgorithm = "blake3"

// Digest computes the canonical digest of a payload: the algorithm name,
// a colon, then 64 hex characters.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return DigestAlgorithm + ":" + hex.EncodeToString(sum[:])
}
