package buffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBoostAbsentIsOne(t *testing.T) {
	b := NewDefault()
	assert.Equal(t, 1.0, b.Boost("missing", time.Now()))
}

func TestBoostFreshIsMax(t *testing.T) {
	b := New(7, 4000, 1.0, 5)
	now := time.Now()
	b.Update("m1", now)
	assert.InDelta(t, 2.0, b.Boost("m1", now), 1e-9)
}

func TestBoostMonotonicDecay(t *testing.T) {
	b := New(7, 4000, 1.0, 5)
	now := time.Now()
	b.Update("m1", now)

	t1 := now.Add(1 * time.Second)
	t2 := now.Add(3 * time.Second)
	boost1 := b.Boost("m1", t1)
	boost2 := b.Boost("m1", t2)

	assert.GreaterOrEqual(t, boost1, boost2)
	assert.GreaterOrEqual(t, boost2, 1.0)
}

func TestBoostNegativeAgeGuard(t *testing.T) {
	b := New(7, 4000, 1.0, 5)
	now := time.Now()
	b.Update("m1", now)
	assert.Equal(t, 1.0, b.Boost("m1", now.Add(-time.Second)))
}

func TestUpdatePrunesStaleEntries(t *testing.T) {
	b := New(7, 4000, 1.0, 5)
	now := time.Now()
	b.Update("old", now)

	// cutoffMultiplier=5, decayMs=4000 -> cutoff at 20s
	later := now.Add(21 * time.Second)
	b.Update("new", later)

	assert.Equal(t, 1.0, b.Boost("old", later))
	assert.Equal(t, 1, b.Len())
}

func TestUpdateEvictsOldestBeyondCapacity(t *testing.T) {
	b := New(3, 4000, 1.0, 5)
	now := time.Now()
	b.Update("a", now)
	b.Update("b", now.Add(1*time.Millisecond))
	b.Update("c", now.Add(2*time.Millisecond))
	b.Update("d", now.Add(3*time.Millisecond))

	assert.LessOrEqual(t, b.Len(), 3)
	assert.Equal(t, 1.0, b.Boost("a", now.Add(3*time.Millisecond)))
}

func TestUpdateRefreshesExistingEntry(t *testing.T) {
	b := New(3, 4000, 1.0, 5)
	now := time.Now()
	b.Update("a", now)
	refreshed := now.Add(2 * time.Second)
	b.Update("a", refreshed)

	assert.InDelta(t, 2.0, b.Boost("a", refreshed), 1e-9)
}

func TestClearEmptiesBuffer(t *testing.T) {
	b := NewDefault()
	b.Update("a", time.Now())
	b.Clear()
	assert.Equal(t, 0, b.Len())
}

func TestCapacityInvariantAfterManyUpdates(t *testing.T) {
	b := New(7, 4000, 1.0, 5)
	now := time.Now()
	for i := 0; i < 50; i++ {
		b.Update(string(rune('a'+(i%26))), now.Add(time.Duration(i)*time.Millisecond))
		assert.LessOrEqual(t, b.Len(), 7)
	}
}
