package embedding

import (
	"fmt"
	"math"

	"github.com/viterin/vek/vek32"

	"github.com/2dots1line/cosmos/errors"
)

// ValidateVector checks that a vector is a finite, fixed-length numeric
// array. A failing vector is an invalid (non-retryable) condition: the
// embedder returned garbage, and retrying the same text will not help.
func ValidateVector(vector []float32, dimensions int) error {
	if len(vector) != dimensions {
		return errors.WrapInvalid(errors.ErrInvalidVector, "embedding", "ValidateVector",
			fmt.Sprintf("expected %d dimensions, got %d", dimensions, len(vector)))
	}
	for i, v := range vector {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return errors.WrapInvalid(errors.ErrInvalidVector, "embedding", "ValidateVector",
				fmt.Sprintf("non-finite component at index %d", i))
		}
	}
	return nil
}

// Normalize scales a vector to unit L2 norm in place and returns it.
// Normalized vectors make cosine and dot-product retrieval agree in the
// vector index. Zero vectors are returned unchanged.
func Normalize(vector []float32) []float32 {
	norm := vek32.Norm(vector)
	if norm == 0 {
		return vector
	}
	vek32.DivNumber_Inplace(vector, norm)
	return vector
}

// CosineSimilarity computes the cosine similarity of two equal-length
// vectors, mapping the zero-vector edge case to 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	sim := vek32.CosineSimilarity(a, b)
	if math.IsNaN(float64(sim)) {
		return 0
	}
	return sim
}
