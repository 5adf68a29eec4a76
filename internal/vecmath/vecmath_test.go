package vecmath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineIdentical(t *testing.T) {
	a := []float32{1, 2, 3}
	sim, err := Cosine(a, a)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-9)
}

func TestCosineOrthogonal(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	sim, err := Cosine(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-9)
}

func TestCosineDimensionMismatch(t *testing.T) {
	_, err := Cosine([]float32{1, 2}, []float32{1, 2, 3})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestCosineZeroNorm(t *testing.T) {
	sim, err := Cosine([]float32{0, 0}, []float32{1, 1})
	require.NoError(t, err)
	assert.Equal(t, 0.0, sim)
}

func TestNormalizePreservesZero(t *testing.T) {
	v := []float32{0, 0, 0}
	out := Normalize(v)
	assert.Equal(t, v, out)
}

func TestNormalizeUnitLength(t *testing.T) {
	v := []float32{3, 4}
	out := Normalize(v)
	sim, err := Cosine(out, out)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-6)
	assert.InDelta(t, 1.0, float64(out[0]*out[0]+out[1]*out[1]), 1e-6)
}

func TestCosineBatchOrder(t *testing.T) {
	probe := []float32{1, 0}
	m := [][]float32{{1, 0}, {0, 1}, {-1, 0}}
	sims := CosineBatch(probe, m)
	require.Len(t, sims, 3)
	assert.InDelta(t, 1.0, sims[0], 1e-9)
	assert.InDelta(t, 0.0, sims[1], 1e-9)
	assert.InDelta(t, -1.0, sims[2], 1e-9)
}

func TestDotNormalizedEqualsCosineForUnitVectors(t *testing.T) {
	a := Normalize([]float32{3, 4})
	b := Normalize([]float32{1, 1})
	want, _ := Cosine(a, b)
	assert.InDelta(t, want, DotNormalized(a, b), 1e-9)
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-1))
	assert.Equal(t, 1.0, Clamp01(2))
	assert.Equal(t, 0.5, Clamp01(0.5))
}
