package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborist-labs/mnemo/internal/clock"
	"github.com/arborist-labs/mnemo/internal/embedding"
	"github.com/arborist-labs/mnemo/internal/episode"
	"github.com/arborist-labs/mnemo/internal/storage"
)

func newTestEngine(now time.Time) (*Engine, *clock.Fake) {
	store := storage.NewMemStore()
	clk := clock.NewFake(now)
	emb := embedding.NewNoop(16)
	e := New(store, emb, clk)
	e.randFloat64 = func() float64 { return 0.9 } // bias toward reinforce, not fork, in tests
	return e, clk
}

func TestStoreRejectsEmptyContent(t *testing.T) {
	e, _ := newTestEngine(time.Now())
	_, err := e.Store(context.Background(), "", StoreOptions{})
	assert.Error(t, err)
}

func TestStoreThenRetrieveFindsIt(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(time.Now())

	m, err := e.Store(ctx, "the API returns 429 errors under load", StoreOptions{ProjectID: "proj"})
	require.NoError(t, err)

	results, err := e.Retrieve(ctx, "the API returns 429 errors under load", RetrieveOptions{MaxResults: 5}, "proj")
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, m.ID, results[0].Memory.ID)
}

func TestRetrieveRecordsAccessAndUpdatesBuffer(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(time.Now())

	m, err := e.Store(ctx, "stable content for lookup", StoreOptions{})
	require.NoError(t, err)

	_, err = e.Retrieve(ctx, "stable content for lookup", RetrieveOptions{MaxResults: 5}, "")
	require.NoError(t, err)

	history, err := e.store.GetAccessHistory(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, 1, e.buffer.Len())
}

func TestRetrieveRejectsEmptyQuery(t *testing.T) {
	e, _ := newTestEngine(time.Now())
	_, err := e.Retrieve(context.Background(), "", RetrieveOptions{}, "")
	assert.Error(t, err)
}

func TestStoreRecordsDirectLocationAccess(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(time.Now())

	_, err := e.Store(ctx, "fixed the off-by-one in the paginator", StoreOptions{
		ProjectID: "proj", LocationPath: "internal/paginate/paginate.go", Activity: storage.ActivityWriting,
	})
	require.NoError(t, err)

	loc, err := e.store.GetOrCreateLocation(ctx, "proj", "internal/paginate/paginate.go")
	require.NoError(t, err)
	assert.Equal(t, 1, loc.AccessCount)
	require.Len(t, loc.Contexts, 1)
	assert.True(t, loc.Contexts[0].WasDirectAccess)
	assert.Equal(t, storage.ActivityWriting, loc.Contexts[0].Activity)
}

func TestRetrieveRecordsIndirectLocationAccess(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(time.Now())

	_, err := e.Store(ctx, "stable content for lookup", StoreOptions{ProjectID: "proj"})
	require.NoError(t, err)

	_, err = e.Retrieve(ctx, "stable content for lookup", RetrieveOptions{
		MaxResults: 5, LocationPath: "internal/paginate/paginate.go",
	}, "proj")
	require.NoError(t, err)

	loc, err := e.store.GetOrCreateLocation(ctx, "proj", "internal/paginate/paginate.go")
	require.NoError(t, err)
	require.Len(t, loc.Contexts, 1)
	assert.False(t, loc.Contexts[0].WasDirectAccess)
}

func TestLocationAccessSkippedWithoutPath(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(time.Now())

	_, err := e.Store(ctx, "no location tracked here", StoreOptions{ProjectID: "proj"})
	require.NoError(t, err)

	loc, err := e.store.GetOrCreateLocation(ctx, "proj", "")
	require.NoError(t, err)
	assert.Equal(t, 0, loc.AccessCount)
}

// fixedProducer maps specific input strings to predetermined vectors so
// tests can construct a known, partial (not 1.0) cosine similarity — the
// hash-based Noop producer only yields correlated vectors for identical
// text, which can't express scenario 3's "boost raises an already-partial
// similarity" shape.
type fixedProducer struct {
	vectors map[string][]float32
}

func (f *fixedProducer) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func (f *fixedProducer) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = f.Embed(ctx, t)
	}
	return out, nil
}

func (f *fixedProducer) IsAvailable(context.Context) bool { return true }
func (f *fixedProducer) Dimensions() int                  { return 2 }

// TestWorkingMemoryBoostsRepeatQuery exercises spec §8 scenario 3: a second
// identical query shortly after the first scores higher for the same
// memory thanks to the working-memory boost.
func TestWorkingMemoryBoostsRepeatQuery(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	clk := clock.NewFake(time.Now())
	prod := &fixedProducer{vectors: map[string][]float32{
		"stored memory content":  {1, 0},
		"query about the memory": {0.6, 0.8},
	}}
	e := New(store, prod, clk)
	e.randFloat64 = func() float64 { return 0.9 }

	_, err := e.Store(ctx, "stored memory content", StoreOptions{})
	require.NoError(t, err)

	first, err := e.Retrieve(ctx, "query about the memory", RetrieveOptions{MaxResults: 1}, "")
	require.NoError(t, err)
	require.Len(t, first, 1)
	firstScore := first[0].Score

	clk.Advance(2 * time.Second)

	second, err := e.Retrieve(ctx, "query about the memory", RetrieveOptions{MaxResults: 1}, "")
	require.NoError(t, err)
	require.Len(t, second, 1)

	assert.Greater(t, second[0].Score, firstScore)
}

func TestGetContextRespectsTokenBudget(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(time.Now())

	for i := 0; i < 5; i++ {
		_, err := e.Store(ctx, fmt.Sprintf("memory number %d about authentication refactor", i), StoreOptions{})
		require.NoError(t, err)
	}

	result, err := e.GetContext(ctx, "authentication refactor", "", ContextOptions{TokenBudget: 20, MinSimilarity: 0})
	require.NoError(t, err)
	assert.LessOrEqual(t, result.TokensUsed, 20)
}

func TestGetContextRejectsEmptyTask(t *testing.T) {
	e, _ := newTestEngine(time.Now())
	_, err := e.GetContext(context.Background(), "", "", ContextOptions{})
	assert.Error(t, err)
}

// TestRetrieveTemporalNeighboursBefore exercises spec §8 scenario 4.
func TestRetrieveTemporalNeighboursBefore(t *testing.T) {
	ctx := context.Background()
	e, clk := newTestEngine(time.Now())

	ids := []string{}
	labels := []string{"A1 auth setup notes", "A2 auth setup notes continued", "A3 auth setup notes wrapup", "R auth refactor landed", "B1 unrelated topic", "B2 another unrelated topic"}
	for _, label := range labels {
		m, err := e.Store(ctx, label, StoreOptions{})
		require.NoError(t, err)
		ids = append(ids, m.ID)
		clk.Advance(50 * time.Millisecond)
	}
	_ = ids

	neighbors, err := e.RetrieveTemporalNeighbours(ctx, "R auth refactor landed", episode.DirectionBefore, 5)
	require.NoError(t, err)

	foundBefore := 0
	for _, n := range neighbors {
		for _, before := range labels[:3] {
			if n.Memory.Content == before {
				foundBefore++
			}
		}
		for _, after := range labels[4:] {
			assert.NotEqual(t, after, n.Memory.Content)
		}
	}
	assert.GreaterOrEqual(t, foundBefore, 2)
}

func TestProcessPendingEmbeddingsFillsGaps(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	clk := clock.NewFake(time.Now())
	noEmbedder := embedding.NewNoop(16)
	e := New(store, noEmbedder, clk)

	require.NoError(t, store.CreateMemory(ctx, &storage.Memory{ID: "m1", Content: "needs an embedding", CreatedAt: clk.Now()}))

	n, err := e.ProcessPendingEmbeddings(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	emb, err := store.GetEmbedding(ctx, "m1")
	require.NoError(t, err)
	assert.NotNil(t, emb)
}

func TestCloseClearsBuffer(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(time.Now())

	_, err := e.Store(ctx, "something to remember", StoreOptions{})
	require.NoError(t, err)
	_, err = e.Retrieve(ctx, "something to remember", RetrieveOptions{MaxResults: 1}, "")
	require.NoError(t, err)
	require.Equal(t, 1, e.buffer.Len())

	require.NoError(t, e.Close())
	assert.Equal(t, 0, e.buffer.Len())
}
