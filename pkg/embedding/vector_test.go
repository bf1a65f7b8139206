package embedding

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2dots1line/cosmos/errors"
)

func TestValidateVector(t *testing.T) {
	require.NoError(t, ValidateVector([]float32{0.1, 0.2, 0.3}, 3))

	err := ValidateVector([]float32{0.1, 0.2}, 3)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	err = ValidateVector([]float32{0.1, float32(math.NaN()), 0.3}, 3)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	err = ValidateVector([]float32{0.1, float32(math.Inf(1)), 0.3}, 3)
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := Normalize([]float32{0, 0, 0})
	assert.Equal(t, []float32{0, 0, 0}, zero)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-6)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
	assert.Zero(t, CosineSimilarity([]float32{1}, []float32{1, 2}))
}

func TestPseudoVectorDeterministic(t *testing.T) {
	a := PseudoVector("entity-42", 768)
	b := PseudoVector("entity-42", 768)
	c := PseudoVector("entity-43", 768)

	require.Len(t, a, 768)
	assert.Equal(t, a, b, "same seed must yield the same vector")
	assert.NotEqual(t, a, c, "different seeds must diverge")

	require.NoError(t, ValidateVector(a, 768))

	// Unit length after normalization.
	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-4)
}

func TestPseudoVectorSmallDimensions(t *testing.T) {
	v := PseudoVector("seed", 3)
	require.Len(t, v, 3)
	require.NoError(t, ValidateVector(v, 3))

	assert.Nil(t, PseudoVector("seed", 0))
}
