// Package vecmath provides the vector kernel: normalization, cosine
// similarity, and batch similarity over dense float32 embeddings.
//
// The hot-path arithmetic is delegated to gonum.org/v1/gonum/floats so the
// batched dot-product/norm loops get gonum's fused-multiply-add-friendly
// implementations instead of hand-rolled Go loops; only the dimension-check
// and zero-norm guards (which gonum has no primitive for) are written here.
package vecmath

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
)

// ErrDimensionMismatch is returned when two vectors have different lengths.
var ErrDimensionMismatch = errors.New("vecmath: dimension mismatch")

// Normalize returns a unit-length copy of v. If v has zero norm it is
// returned unchanged (per spec: normalize(v) = v when ‖v‖ = 0).
func Normalize(v []float32) []float32 {
	norm := norm64(v)
	if norm == 0 {
		out := make([]float32, len(v))
		copy(out, v)
		return out
	}
	out := make([]float32, len(v))
	inv := 1.0 / norm
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

// Cosine computes the cosine similarity between a and b. It returns
// ErrDimensionMismatch when the vectors differ in length, and 0 (no error)
// when either operand has zero norm.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrDimensionMismatch
	}
	if len(a) == 0 {
		return 0, nil
	}

	na := norm64(a)
	nb := norm64(b)
	if na == 0 || nb == 0 {
		return 0, nil
	}

	dot := dot64(a, b)
	return dot / (na * nb), nil
}

// CosineBatch computes cosine(probe, m) for every row of M, in order.
// A row whose dimension does not match probe contributes 0 rather than
// failing the whole batch — callers that need strict checking should call
// Cosine directly on the offending row.
func CosineBatch(probe []float32, m [][]float32) []float64 {
	out := make([]float64, len(m))
	pn := norm64(probe)
	if pn == 0 {
		return out
	}
	pf64 := toFloat64(probe)
	for i, row := range m {
		if len(row) != len(probe) {
			continue
		}
		rn := norm64(row)
		if rn == 0 {
			continue
		}
		out[i] = floats.Dot(pf64, toFloat64(row)) / (pn * rn)
	}
	return out
}

// DotNormalized is a dot product with no normalization; valid only when
// both inputs are already unit-length, in which case it equals their cosine
// similarity. Spec §4.1 calls this out explicitly as sufficient for
// normalized inputs.
func DotNormalized(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	return dot64(a, b)
}

func norm64(v []float32) float64 {
	if len(v) == 0 {
		return 0
	}
	f := toFloat64(v)
	return floats.Norm(f, 2)
}

func dot64(a, b []float32) float64 {
	return floats.Dot(toFloat64(a), toFloat64(b))
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// Clamp01 clamps x into [0, 1]. Used throughout the activation engine for
// strengths/weights/probabilities that are contractually bounded.
func Clamp01(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
