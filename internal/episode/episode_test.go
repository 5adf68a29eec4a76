package episode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborist-labs/mnemo/internal/clock"
	"github.com/arborist-labs/mnemo/internal/storage"
)

func TestRecordEventOpensFirstEpisode(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	clk := clock.NewFake(time.Now())
	tr := NewDefault(store, clk)

	ep, err := tr.RecordEvent(ctx, "proj", "m1", clk.Now())
	require.NoError(t, err)
	assert.Equal(t, "no_active_episode", ep.BoundaryReason)

	count, err := store.GetEventCountForEpisode(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRecordEventStaysInSameEpisode(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	clk := clock.NewFake(time.Now())
	tr := NewDefault(store, clk)

	ep1, err := tr.RecordEvent(ctx, "proj", "m1", clk.Now())
	require.NoError(t, err)
	clk.Advance(time.Minute)
	ep2, err := tr.RecordEvent(ctx, "proj", "m2", clk.Now())
	require.NoError(t, err)

	assert.Equal(t, ep1.ID, ep2.ID)
}

func TestRecordEventSealsOnTimeGap(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	clk := clock.NewFake(time.Now())
	cfg := DefaultConfig()
	cfg.BoundaryGapMinutes = 30
	tr := New(store, clk, cfg)

	ep1, err := tr.RecordEvent(ctx, "proj", "m1", clk.Now())
	require.NoError(t, err)

	clk.Advance(31 * time.Minute)
	ep2, err := tr.RecordEvent(ctx, "proj", "m2", clk.Now())
	require.NoError(t, err)

	assert.NotEqual(t, ep1.ID, ep2.ID)
	assert.Equal(t, "time_gap", ep2.BoundaryReason)
}

func TestRecordEventSealsOnProjectChange(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	clk := clock.NewFake(time.Now())
	tr := NewDefault(store, clk)

	ep1, err := tr.RecordEvent(ctx, "projA", "m1", clk.Now())
	require.NoError(t, err)
	ep2, err := tr.RecordEvent(ctx, "projB", "m2", clk.Now())
	require.NoError(t, err)

	assert.NotEqual(t, ep1.ID, ep2.ID)
	assert.Equal(t, "project_change", ep2.BoundaryReason)
}

func TestRecordEventSealsOnMaxEvents(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	clk := clock.NewFake(time.Now())
	cfg := DefaultConfig()
	cfg.MaxEventsPerEpisode = 2
	tr := New(store, clk, cfg)

	ep1, err := tr.RecordEvent(ctx, "proj", "m1", clk.Now())
	require.NoError(t, err)
	clk.Advance(time.Second)
	ep1b, err := tr.RecordEvent(ctx, "proj", "m2", clk.Now())
	require.NoError(t, err)
	require.Equal(t, ep1.ID, ep1b.ID)

	clk.Advance(time.Second)
	ep2, err := tr.RecordEvent(ctx, "proj", "m3", clk.Now())
	require.NoError(t, err)
	assert.NotEqual(t, ep1.ID, ep2.ID)
	assert.Equal(t, "max_events", ep2.BoundaryReason)
}

func TestTemporalLinkAsymmetry(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	clk := clock.NewFake(time.Now())
	tr := NewDefault(store, clk)

	ep, err := tr.RecordEvent(ctx, "proj", "m1", clk.Now())
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = tr.RecordEvent(ctx, "proj", "m2", clk.Now())
	require.NoError(t, err)

	links, err := store.GetEpisodeTemporalLinks(ctx, ep.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Greater(t, links[0].ForwardStrength, links[0].BackwardStrength)
}

func TestWalkTemporalNeighborsBefore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	clk := clock.NewFake(time.Now())
	tr := NewDefault(store, clk)

	_, err := tr.RecordEvent(ctx, "proj", "m1", clk.Now())
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = tr.RecordEvent(ctx, "proj", "m2", clk.Now())
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = tr.RecordEvent(ctx, "proj", "m3", clk.Now())
	require.NoError(t, err)

	neighbors, err := tr.WalkTemporalNeighbors(ctx, "m3", DirectionBefore, 10)
	require.NoError(t, err)
	require.Len(t, neighbors, 2)
	assert.Equal(t, "m2", neighbors[0].MemoryID) // distance 1, strongest
}

func TestWalkTemporalNeighborsRespectsMaxDistance(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	clk := clock.NewFake(time.Now())
	cfg := DefaultConfig()
	cfg.MaxTemporalDistance = 1
	tr := New(store, clk, cfg)

	_, err := tr.RecordEvent(ctx, "proj", "m1", clk.Now())
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = tr.RecordEvent(ctx, "proj", "m2", clk.Now())
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = tr.RecordEvent(ctx, "proj", "m3", clk.Now())
	require.NoError(t, err)

	neighbors, err := tr.WalkTemporalNeighbors(ctx, "m3", DirectionBefore, 10)
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
	assert.Equal(t, "m2", neighbors[0].MemoryID)
}
