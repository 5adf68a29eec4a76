package activation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborist-labs/mnemo/internal/storage"
)

func TestBaseLevelSingleAccessAtDPoint5(t *testing.T) {
	now := time.Now()
	history := []time.Time{now.Add(-1 * time.Second)}
	b := BaseLevel(history, now, 0.5)
	assert.InDelta(t, 0.0, b, 1e-9)
}

func TestBaseLevelTwoAccesses(t *testing.T) {
	now := time.Now()
	history := []time.Time{now.Add(-1 * time.Second), now.Add(-4 * time.Second)}
	b := BaseLevel(history, now, 0.5)
	assert.InDelta(t, 0.405, b, 0.01)
}

func TestBaseLevelEmptyHistoryIsZero(t *testing.T) {
	assert.Equal(t, 0.0, BaseLevel(nil, time.Now(), 0.5))
}

func TestSessionDecayRateMonotonic(t *testing.T) {
	ages := []float64{-1, 0, 0.25, 0.5, 1, 2, 10, 24, 100}
	prev := 0.0
	first := true
	for _, age := range ages {
		d := SessionDecayRate(age)
		if !first {
			assert.GreaterOrEqual(t, d, prev)
		}
		prev = d
		first = false
	}
}

func TestSessionDecayRateBuckets(t *testing.T) {
	assert.Equal(t, 0.5, SessionDecayRate(-1))
	assert.Equal(t, 0.3, SessionDecayRate(0.25))
	assert.Equal(t, 0.4, SessionDecayRate(1))
	assert.Equal(t, 0.45, SessionDecayRate(10))
	assert.Equal(t, 0.5, SessionDecayRate(48))
}

func TestEffectiveEmotionalWeightBoostsOnMatch(t *testing.T) {
	assert.InDelta(t, 0.65, EffectiveEmotionalWeight(0.5, "proj", "proj"), 1e-9)
}

func TestEffectiveEmotionalWeightCapsAtOne(t *testing.T) {
	assert.Equal(t, 1.0, EffectiveEmotionalWeight(0.95, "proj", "proj"))
}

func TestEffectiveEmotionalWeightUnchangedOnMismatch(t *testing.T) {
	assert.Equal(t, 0.5, EffectiveEmotionalWeight(0.5, "projA", "projB"))
	assert.Equal(t, 0.5, EffectiveEmotionalWeight(0.5, "", "projB"))
}

func TestComputeIdenticalVectorsMaximizeCube(t *testing.T) {
	cfg := DefaultConfig()
	probe := []float32{1, 0}
	now := time.Now()
	score, err := Compute(cfg, probe, probe, 1.0, nil, now, 0)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score.ProbeCubed, 1e-9)
}

func TestComputeWMBoostIncreasesScore(t *testing.T) {
	cfg := DefaultConfig()
	probe := []float32{1, 0}
	candidate := []float32{0.6, 0.8} // cosine 0.6
	now := time.Now()

	unboosted, err := Compute(cfg, probe, candidate, 1.0, nil, now, 0)
	require.NoError(t, err)
	boosted, err := Compute(cfg, probe, candidate, 1.8, nil, now, 0)
	require.NoError(t, err)

	assert.Greater(t, boosted.Score, unboosted.Score)
}

func TestComputeClampsBoostedSimilarityAtOne(t *testing.T) {
	cfg := DefaultConfig()
	probe := []float32{1, 0}
	now := time.Now()
	score, err := Compute(cfg, probe, probe, 5.0, nil, now, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, score.Similarity, 1.0)
}

func TestComputeMissingCandidateEmbeddingYieldsZeroSimilarity(t *testing.T) {
	cfg := DefaultConfig()
	probe := []float32{1, 0}
	now := time.Now()
	score, err := Compute(cfg, probe, nil, 1.0, nil, now, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, score.Similarity)
	assert.Equal(t, 0.0, score.ProbeCubed)
}

func TestComputeMissingProbeYieldsZeroSimilarity(t *testing.T) {
	cfg := DefaultConfig()
	candidate := []float32{1, 0}
	now := time.Now()
	score, err := Compute(cfg, nil, candidate, 1.0, nil, now, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, score.Similarity)
}

func TestTieBreakOrdersEqualScoresByRecency(t *testing.T) {
	now := time.Now()
	a := Candidate{Memory: &storage.Memory{ID: "a", CreatedAt: now}, Score: 0.5}
	b := Candidate{Memory: &storage.Memory{ID: "b", CreatedAt: now}, Score: 0.5}
	assert.True(t, TieBreakLess(a, b, now, now.Add(-time.Minute)))
}
