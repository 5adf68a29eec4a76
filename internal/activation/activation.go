// Package activation computes the composite ACT-R/MINERVA-2 activation
// score for a candidate memory against a query probe (spec §4.5).
package activation

import (
	"math"
	"time"

	"github.com/arborist-labs/mnemo/internal/storage"
	"github.com/arborist-labs/mnemo/internal/vecmath"
)

// Weights are the composite score's default mixing coefficients, laid out
// as a const block in the manner of the reference codebase's Synapse-
// derived activation constants.
const (
	ProbeWeight     = 0.4 // w_p
	BaseLevelWeight = 0.3 // w_b
	SpreadingWeight = 0.3 // w_s

	RetrievalThreshold = 0.0  // τ
	RetrievalNoise      = 0.25 // σ
	MinProbability     = 0.1

	// ProjectContextBoost is added to a memory's emotional weight when its
	// project matches the querying project (capped at 1.0).
	ProjectContextBoost = 0.15

	SameSessionBoost = 1.5
	OverfetchFactor  = 2
)

// Config bundles the activation engine's tunables so callers can override
// any subset without touching the package constants.
type Config struct {
	ProbeWeight        float64
	BaseLevelWeight    float64
	SpreadingWeight    float64
	RetrievalThreshold float64
	RetrievalNoise     float64
	MinProbability     float64
}

// DefaultConfig returns the spec's default weights.
func DefaultConfig() Config {
	return Config{
		ProbeWeight:        ProbeWeight,
		BaseLevelWeight:    BaseLevelWeight,
		SpreadingWeight:    SpreadingWeight,
		RetrievalThreshold: RetrievalThreshold,
		RetrievalNoise:     RetrievalNoise,
		MinProbability:     MinProbability,
	}
}

// SessionDecayRate returns the session-aware decay rate d used in place of
// a configured static decay, per spec §4.5 step 4. It is a non-decreasing
// step function of age (spec §8 invariant).
func SessionDecayRate(ageHours float64) float64 {
	switch {
	case ageHours < 0:
		return 0.5 // clock-skew guard
	case ageHours < 0.5:
		return 0.3
	case ageHours < 2:
		return 0.4
	case ageHours < 24:
		return 0.45
	default:
		return 0.5
	}
}

// BaseLevel computes B = ln(Σ max(1, (now-t_k)/1s)^-d) over access history
// H. An empty history yields B = 0.
func BaseLevel(history []time.Time, now time.Time, d float64) float64 {
	if len(history) == 0 {
		return 0
	}
	var sum float64
	for _, t := range history {
		ageSeconds := now.Sub(t).Seconds()
		base := math.Max(1, ageSeconds)
		sum += math.Pow(base, -d)
	}
	return math.Log(sum)
}

// MostRecent returns the latest instant in history, or the zero time if
// history is empty.
func MostRecent(history []time.Time) time.Time {
	var latest time.Time
	for _, t := range history {
		if t.After(latest) {
			latest = t
		}
	}
	return latest
}

// EffectiveEmotionalWeight applies the project-context boost (spec §4.5
// step 7): +0.15 when the memory's project matches the query's, capped
// at 1.0, and both sides are non-empty.
func EffectiveEmotionalWeight(weight float64, memoryProjectID, queryProjectID string) float64 {
	if memoryProjectID == "" || queryProjectID == "" || memoryProjectID != queryProjectID {
		return weight
	}
	return math.Min(weight+ProjectContextBoost, 1.0)
}

// Score is the full per-candidate breakdown the caller needs to build a
// Candidate (spec §6: {memory, score, similarity, baseLevel, spreading,
// probability}).
type Score struct {
	Similarity  float64 // s' (WM-boosted, pre-cube)
	ProbeCubed  float64 // p
	BaseLevel   float64 // B
	Spreading   float64 // S
	Score       float64
	Probability float64
}

// Compute runs the full per-candidate pipeline: probe similarity, WM
// boost, MINERVA-2 cube, session-aware base-level activation, spreading
// (supplied by the caller, which owns the association graph), and the
// composite score + logistic retrieval probability.
func Compute(cfg Config, probe, candidateEmb []float32, wmBoost float64, history []time.Time, now time.Time, spreading float64) (Score, error) {
	// A candidate without a stored embedding (producer was unavailable at
	// store time) contributes zero probe similarity rather than failing;
	// it still ranks on base-level and spreading (spec §3 fallback note).
	var s float64
	if len(probe) > 0 && len(candidateEmb) > 0 {
		var err error
		s, err = vecmath.Cosine(probe, candidateEmb)
		if err != nil {
			return Score{}, err
		}
	}

	boosted := math.Min(1.0, s*wmBoost)
	p := boosted * boosted * boosted

	mostRecent := MostRecent(history)
	var ageHours float64
	if mostRecent.IsZero() {
		ageHours = math.Inf(1)
	} else {
		ageHours = now.Sub(mostRecent).Hours()
	}
	d := SessionDecayRate(ageHours)
	baseLevel := BaseLevel(history, now, d)

	score := cfg.ProbeWeight*p + cfg.BaseLevelWeight*baseLevel + cfg.SpreadingWeight*spreading
	probability := 1 / (1 + math.Exp((cfg.RetrievalThreshold-score)/cfg.RetrievalNoise))

	return Score{
		Similarity:  boosted,
		ProbeCubed:  p,
		BaseLevel:   baseLevel,
		Spreading:   spreading,
		Score:       score,
		Probability: probability,
	}, nil
}

// Candidate is the ranked-list element surfaced by retrieve (spec §6).
type Candidate struct {
	Memory      *storage.Memory
	Score       float64
	Similarity  float64
	BaseLevel   float64
	Spreading   float64
	Probability float64
}

// TieBreakLess orders candidates for the final sort: score descending,
// then most-recent access descending, then creation time descending,
// then lexical id (spec §4.5 "Tie-break").
func TieBreakLess(a, b Candidate, aLastAccess, bLastAccess time.Time) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !aLastAccess.Equal(bLastAccess) {
		return aLastAccess.After(bLastAccess)
	}
	if !a.Memory.CreatedAt.Equal(b.Memory.CreatedAt) {
		return a.Memory.CreatedAt.After(b.Memory.CreatedAt)
	}
	return a.Memory.ID < b.Memory.ID
}
