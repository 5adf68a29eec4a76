package consolidate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborist-labs/mnemo/internal/clock"
	"github.com/arborist-labs/mnemo/internal/graph"
	"github.com/arborist-labs/mnemo/internal/loadshed"
	"github.com/arborist-labs/mnemo/internal/storage"
)

type alwaysOverloaded struct{}

func (alwaysOverloaded) Overloaded() bool { return true }

func newTestEngine(now time.Time) (*Engine, storage.Store, *clock.Fake) {
	store := storage.NewMemStore()
	clk := clock.NewFake(now)
	g := graph.New(store, clk)
	return NewDefault(store, g, clk), store, clk
}

func TestMicroCycleStrengthensRecentlyAccessed(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	e, store, _ := newTestEngine(now)

	recent := now.Add(-5 * time.Minute)
	require.NoError(t, store.CreateMemory(ctx, &storage.Memory{
		ID: "m1", EncodingStrength: 0.5, LastAccessedAt: &recent, CreatedAt: now.Add(-time.Hour),
	}))

	require.NoError(t, e.RunMicroCycle(ctx))

	m, err := store.GetMemory(ctx, "m1")
	require.NoError(t, err)
	assert.InDelta(t, 0.55, m.EncodingStrength, 1e-9)
}

func TestMicroCycleSkipsUnderLoad(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	e, store, _ := newTestEngine(now)
	e.SetLoadMonitor(alwaysOverloaded{})

	recent := now.Add(-5 * time.Minute)
	require.NoError(t, store.CreateMemory(ctx, &storage.Memory{
		ID: "m1", EncodingStrength: 0.5, LastAccessedAt: &recent, CreatedAt: now.Add(-time.Hour),
	}))

	require.NoError(t, e.RunMicroCycle(ctx))

	m, err := store.GetMemory(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 0.5, m.EncodingStrength, "cycle must be a no-op while overloaded")
}

func TestSetLoadMonitorNilRestoresAlwaysRun(t *testing.T) {
	e, _, _ := newTestEngine(time.Now())
	e.SetLoadMonitor(alwaysOverloaded{})
	e.SetLoadMonitor(nil)
	assert.Equal(t, loadshed.Never, e.monitor)
}

func TestMicroCycleDecaysStale(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	e, store, _ := newTestEngine(now)

	stale := now.Add(-10 * 24 * time.Hour)
	require.NoError(t, store.CreateMemory(ctx, &storage.Memory{
		ID: "m1", EncodingStrength: 0.5, LastAccessedAt: &stale, CreatedAt: stale,
	}))

	require.NoError(t, e.RunMicroCycle(ctx))

	m, err := store.GetMemory(ctx, "m1")
	require.NoError(t, err)
	assert.InDelta(t, 0.49, m.EncodingStrength, 1e-9)
}

func TestFullCycleConsolidationCascade(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	e, store, clk := newTestEngine(now)

	for i := 0; i < 10; i++ {
		require.NoError(t, store.CreateMemory(ctx, &storage.Memory{
			ID: string(rune('a' + i)), CreatedAt: now,
		}))
	}

	clk.Advance(1*time.Hour + time.Second)
	require.NoError(t, e.RunFullCycle(ctx, 0))

	for i := 0; i < 10; i++ {
		m, err := store.GetMemory(ctx, string(rune('a'+i)))
		require.NoError(t, err)
		assert.Equal(t, storage.StateConsolidating, m.ConsolidationState)
	}

	clk.Advance(23 * time.Hour)
	require.NoError(t, e.RunFullCycle(ctx, 0))

	for i := 0; i < 10; i++ {
		m, err := store.GetMemory(ctx, string(rune('a'+i)))
		require.NoError(t, err)
		assert.Equal(t, storage.StateConsolidated, m.ConsolidationState)
	}
}

func TestFullCycleEvictsBeyondCap(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	e, store, _ := newTestEngine(now)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.CreateMemory(ctx, &storage.Memory{
			ID: string(rune('a' + i)), CreatedAt: now.Add(time.Duration(i) * time.Minute),
		}))
	}

	require.NoError(t, e.RunFullCycle(ctx, 3))

	count, err := store.CountMemories(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestFullCycleSummarizesOldLocationContexts(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	e, store, clk := newTestEngine(now)

	old := now.Add(-30 * 24 * time.Hour)
	require.NoError(t, store.RecordLocationAccess(ctx, "proj1", "/repo/main.go", storage.AccessContext{
		Activity: storage.ActivityReading, Source: storage.InferenceExplicit, At: old,
	}))
	require.NoError(t, store.RecordLocationAccess(ctx, "proj1", "/repo/main.go", storage.AccessContext{
		Activity: storage.ActivityWriting, Source: storage.InferenceExplicit, At: now,
	}))

	clk.Advance(time.Second)
	require.NoError(t, e.RunFullCycle(ctx, 0))

	loc, err := store.GetOrCreateLocation(ctx, "proj1", "/repo/main.go")
	require.NoError(t, err)
	assert.Equal(t, 1, loc.SummarizedContexts)
}

func TestReconsolidateLowPEReinforcesInPlace(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	e, store, _ := newTestEngine(now)

	require.NoError(t, store.CreateMemory(ctx, &storage.Memory{ID: "existing"}))
	require.NoError(t, store.PutEmbedding(ctx, &storage.Embedding{MemoryID: "existing", Vector: []float32{1, 0}}))

	require.NoError(t, e.Reconsolidate(ctx, "new", []float32{0.999, 0.001}, 0.5))

	m, err := store.GetMemory(ctx, "existing")
	require.NoError(t, err)
	assert.Equal(t, storage.StateFresh, m.ConsolidationState)
	assert.Equal(t, 1, m.AccessCount)
}

func TestReconsolidateHighPEForksTrace(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	e, store, _ := newTestEngine(now)

	require.NoError(t, store.CreateMemory(ctx, &storage.Memory{ID: "existing"}))
	require.NoError(t, store.PutEmbedding(ctx, &storage.Embedding{MemoryID: "existing", Vector: []float32{1, 0}}))

	// cosine([1,0], [0.5, 0.8660254]) = 0.5 -> sim >= similarityThreshold (0.4)
	// gates reconsolidation in; pe = 0.5 exceeds thetaHigh (0.4) -> fork.
	require.NoError(t, e.Reconsolidate(ctx, "new", []float32{0.5, 0.8660254}, 0.5))

	m, err := store.GetMemory(ctx, "existing")
	require.NoError(t, err)
	assert.Equal(t, storage.StateReconsolidating, m.ConsolidationState)
}

func TestReconsolidateBelowSimilarityThresholdNoOp(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	e, store, _ := newTestEngine(now)

	require.NoError(t, store.CreateMemory(ctx, &storage.Memory{ID: "existing"}))
	require.NoError(t, store.PutEmbedding(ctx, &storage.Embedding{MemoryID: "existing", Vector: []float32{1, 0}}))

	require.NoError(t, e.Reconsolidate(ctx, "new", []float32{0, 1}, 0.5))

	m, err := store.GetMemory(ctx, "existing")
	require.NoError(t, err)
	assert.Equal(t, storage.StateFresh, m.ConsolidationState)
	assert.Equal(t, 0, m.AccessCount)
}
