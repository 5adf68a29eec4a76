package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotentAssociationUpsert(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.Associate(ctx, "a", "b", 0.5, 0.3, AssocSemantic))
	require.NoError(t, s.Associate(ctx, "a", "b", 0.5, 0.3, AssocSemantic))

	assocs, err := s.GetAssociations(ctx, "a")
	require.NoError(t, err)
	require.Len(t, assocs, 1)
	assert.Equal(t, 0.5, assocs[0].ForwardStrength)
}

func TestCascadeDeleteRemovesEmbeddingAndAssociations(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	m := &Memory{ID: "m1", Content: "x"}
	require.NoError(t, s.CreateMemory(ctx, m))
	require.NoError(t, s.PutEmbedding(ctx, &Embedding{MemoryID: "m1", Vector: []float32{1, 0}}))
	other := &Memory{ID: "m2", Content: "y"}
	require.NoError(t, s.CreateMemory(ctx, other))
	require.NoError(t, s.Associate(ctx, "m1", "m2", 0.4, 0.4, AssocSemantic))

	require.NoError(t, s.DeleteMemory(ctx, "m1"))

	assocs, err := s.GetAssociations(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, assocs)

	emb, err := s.GetEmbedding(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, emb)
}

func TestRecordAccessIncrementsCountAndHistoryOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	m := &Memory{ID: "m1", Content: "x"}
	require.NoError(t, s.CreateMemory(ctx, m))

	t0 := time.Now()
	require.NoError(t, s.RecordAccess(ctx, "m1", t0))
	require.NoError(t, s.RecordAccess(ctx, "m1", t0.Add(time.Second)))

	got, err := s.GetMemory(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.AccessCount)

	hist, err := s.GetAccessHistory(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.True(t, hist[0].At.After(hist[1].At), "history must be most-recent-first")
}

func TestSessionExpiryCreatesNewSession(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	now := time.Now()
	sess1, err := s.GetOrCreateSession(ctx, "proj", now, 5*time.Minute)
	require.NoError(t, err)

	later := now.Add(10 * time.Minute)
	sess2, err := s.GetOrCreateSession(ctx, "proj", later, 5*time.Minute)
	require.NoError(t, err)

	assert.NotEqual(t, sess1.ID, sess2.ID)
}

func TestEvictOldestRespectsCap(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		m := &Memory{ID: string(rune('a' + i)), Content: "x", CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, s.CreateMemory(ctx, m))
	}
	evicted, err := s.EvictOldest(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, evicted)
	count, _ := s.CountMemories(ctx)
	assert.Equal(t, 3, count)

	// the two oldest (a, b) should be gone
	_, err = s.GetMemory(ctx, "a")
	require.NoError(t, err)
	m, _ := s.GetMemory(ctx, "a")
	assert.Nil(t, m)
}

func TestRecordLocationAccessAccumulatesFamiliarity(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	now := time.Now()

	require.NoError(t, s.RecordLocationAccess(ctx, "proj", "/repo/a.go", AccessContext{Activity: ActivityReading, At: now}))
	require.NoError(t, s.RecordLocationAccess(ctx, "proj", "/repo/a.go", AccessContext{Activity: ActivityWriting, At: now.Add(time.Minute)}))

	loc, err := s.GetOrCreateLocation(ctx, "proj", "/repo/a.go")
	require.NoError(t, err)
	assert.Equal(t, 2, loc.AccessCount)
	assert.Greater(t, loc.Familiarity, 0.0)
}

func TestSummarizeOldLocationContextsDiscardsOnlyStale(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	now := time.Now()

	require.NoError(t, s.RecordLocationAccess(ctx, "proj", "/repo/a.go", AccessContext{At: now.Add(-10 * 24 * time.Hour)}))
	require.NoError(t, s.RecordLocationAccess(ctx, "proj", "/repo/a.go", AccessContext{At: now}))

	n, err := s.SummarizeOldLocationContexts(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	loc, err := s.GetOrCreateLocation(ctx, "proj", "/repo/a.go")
	require.NoError(t, err)
	assert.Equal(t, 1, loc.SummarizedContexts)
	require.Len(t, loc.Contexts, 1)
	assert.True(t, loc.Contexts[0].At.Equal(now))
}
