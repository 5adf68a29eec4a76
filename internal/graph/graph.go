// Package graph maintains the association graph over memories and computes
// spreading activation with fan-effect normalization (spec §4.4).
package graph

import (
	"context"
	"sync"
	"time"

	"github.com/arborist-labs/mnemo/internal/clock"
	"github.com/arborist-labs/mnemo/internal/storage"
	"github.com/arborist-labs/mnemo/internal/vecmath"
)

const (
	// DefaultCacheTTL bounds how long the full-association-set index is
	// reused before a retrieval forces a rebuild from storage.
	DefaultCacheTTL = 60 * time.Second
	// DefaultMaxHops is the deepest spreading performed when multi-hop is
	// requested; only hop 1 is mandatory for conformance.
	DefaultMaxHops = 3
	// DefaultHopDecay multiplies each additional hop's contribution.
	DefaultHopDecay = 0.7
)

// Neighbor is one directional edge out of a memory: the strength to use is
// already resolved to "m -> other" (forward if m was the association's
// source, backward if m was the target).
type Neighbor struct {
	OtherID  string
	Strength float64
	Kind     storage.AssociationKind
}

// EmbeddingLookup resolves a memory ID to its embedding vector. Returning
// ok=false (missing embedding) contributes zero, per spec §4.4.
type EmbeddingLookup func(id string) (vec []float32, ok bool)

// Graph indexes associations for O(1) per-memory neighbourhood lookup and
// caches the full index for DefaultCacheTTL, invalidating synchronously on
// any write — grounded on the reference codebase's entityCache pattern
// (single RWMutex-guarded map, nil means "needs rebuild").
type Graph struct {
	store storage.Store
	clock clock.Clock
	ttl   time.Duration

	mu      sync.RWMutex
	index   map[string][]Neighbor // nil means stale, rebuild on next read
	builtAt time.Time
}

// New creates a Graph over store using clk for cache-freshness decisions.
func New(store storage.Store, clk clock.Clock) *Graph {
	return &Graph{store: store, clock: clk, ttl: DefaultCacheTTL}
}

// Associate upserts an association and invalidates the cached index.
func (g *Graph) Associate(ctx context.Context, src, tgt string, fwd, bwd float64, kind storage.AssociationKind) error {
	if err := g.store.Associate(ctx, src, tgt, fwd, bwd, kind); err != nil {
		return err
	}
	g.invalidate()
	return nil
}

// UpdateAssociationStrength reinforces an existing association and
// invalidates the cached index.
func (g *Graph) UpdateAssociationStrength(ctx context.Context, src, tgt string, fwd, bwd float64, at time.Time) error {
	if err := g.store.UpdateAssociationStrength(ctx, src, tgt, fwd, bwd, at); err != nil {
		return err
	}
	g.invalidate()
	return nil
}

// DeleteAssociation removes an association (used by consolidation pruning)
// and invalidates the cached index.
func (g *Graph) DeleteAssociation(ctx context.Context, src, tgt string) error {
	if err := g.store.DeleteAssociation(ctx, src, tgt); err != nil {
		return err
	}
	g.invalidate()
	return nil
}

func (g *Graph) invalidate() {
	g.mu.Lock()
	g.index = nil
	g.mu.Unlock()
}

// Neighbors returns memory m's indexed neighbourhood, building or reusing
// the cached full-association index as needed.
func (g *Graph) Neighbors(ctx context.Context, m string) ([]Neighbor, error) {
	index, err := g.getIndex(ctx)
	if err != nil {
		return nil, err
	}
	return index[m], nil
}

func (g *Graph) getIndex(ctx context.Context) (map[string][]Neighbor, error) {
	g.mu.RLock()
	if g.index != nil && g.clock.Now().Sub(g.builtAt) < g.ttl {
		idx := g.index
		g.mu.RUnlock()
		return idx, nil
	}
	g.mu.RUnlock()

	assocs, err := g.store.GetAllAssociations(ctx)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	// Another goroutine may have rebuilt while we waited on the lock; a
	// fresh build is harmless to redo, so no extra check needed beyond
	// the obvious cost.
	g.index = buildIndex(assocs)
	g.builtAt = g.clock.Now()
	return g.index, nil
}

func buildIndex(assocs []*storage.Association) map[string][]Neighbor {
	index := make(map[string][]Neighbor)
	for _, a := range assocs {
		index[a.SourceID] = append(index[a.SourceID], Neighbor{
			OtherID: a.TargetID, Strength: a.ForwardStrength, Kind: a.Kind,
		})
		index[a.TargetID] = append(index[a.TargetID], Neighbor{
			OtherID: a.SourceID, Strength: a.BackwardStrength, Kind: a.Kind,
		})
	}
	return index
}

// SpreadSingleHop computes the mandatory single-hop spreading contribution
// for memory m against probeEmb:
//
//	spread(m) = (1/|N(m)|) * Σ assoc_strength(m,o) * max(0, cosine(probe, emb(o)))
func (g *Graph) SpreadSingleHop(ctx context.Context, m string, probeEmb []float32, lookup EmbeddingLookup) (float64, error) {
	neighbors, err := g.Neighbors(ctx, m)
	if err != nil {
		return 0, err
	}
	return spreadOverNeighbors(neighbors, probeEmb, lookup), nil
}

func spreadOverNeighbors(neighbors []Neighbor, probeEmb []float32, lookup EmbeddingLookup) float64 {
	if len(neighbors) == 0 {
		return 0
	}
	var sum float64
	for _, n := range neighbors {
		emb, ok := lookup(n.OtherID)
		if !ok {
			continue
		}
		cos, err := vecmath.Cosine(probeEmb, emb)
		if err != nil {
			continue
		}
		if cos < 0 {
			cos = 0
		}
		sum += n.Strength * cos
	}
	return sum / float64(len(neighbors))
}

// Spread computes spreading activation out to maxHops, decaying each
// additional hop's contribution by hopDecay. Passing maxHops=1 is exactly
// SpreadSingleHop. Hop count bounds the recursion rather than a visited
// set (spec §9 cycle-avoidance note): a node may be re-reached at a deeper
// hop and contribute again, but the monotonically increasing hop index
// guarantees termination.
func (g *Graph) Spread(ctx context.Context, m string, probeEmb []float32, lookup EmbeddingLookup, maxHops int, hopDecay float64) (float64, error) {
	if maxHops < 1 {
		maxHops = 1
	}
	index, err := g.getIndex(ctx)
	if err != nil {
		return 0, err
	}

	total := 0.0
	hopWeight := 1.0
	frontier := []string{m}

	for hop := 1; hop <= maxHops; hop++ {
		var nextFrontier []string
		hopTotal := 0.0
		nodesAtHop := 0

		for _, node := range frontier {
			neighbors := index[node]
			if len(neighbors) == 0 {
				continue
			}
			hopTotal += spreadOverNeighbors(neighbors, probeEmb, lookup)
			nodesAtHop++
			for _, n := range neighbors {
				nextFrontier = append(nextFrontier, n.OtherID)
			}
		}
		if nodesAtHop > 0 {
			hopTotal /= float64(nodesAtHop)
		}
		total += hopWeight * hopTotal

		if len(nextFrontier) == 0 {
			break
		}
		frontier = nextFrontier
		hopWeight *= hopDecay
	}

	return total, nil
}
