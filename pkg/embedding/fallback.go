package embedding

import (
	"crypto/sha256"
	"encoding/binary"
)

// PseudoVector synthesizes a deterministic unit-length vector from seed
// text (entity text or, failing that, entity id). Used when the vector
// index is unreachable or an embedding never arrived: every entity still
// receives some embedding rather than being dropped from the projection.
// The same seed always yields the same vector, so repeated degraded passes
// stay stable.
func PseudoVector(seed string, dimensions int) []float32 {
	if dimensions <= 0 {
		return nil
	}

	vector := make([]float32, dimensions)
	digest := sha256.Sum256([]byte(seed))

	// Stretch the digest by hash chaining; each 4-byte word becomes one
	// component in [-1, 1].
	i := 0
	for i < dimensions {
		for w := 0; w+4 <= len(digest) && i < dimensions; w += 4 {
			bits := binary.BigEndian.Uint32(digest[w : w+4])
			vector[i] = float32(bits)/float32(1<<31) - 1
			i++
		}
		digest = sha256.Sum256(digest[:])
	}

	return Normalize(vector)
}
