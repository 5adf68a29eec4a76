// Package consolidate implements the consolidation engine: periodic micro
// and full maintenance cycles plus store-time reconsolidation (spec §4.7).
package consolidate

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/arborist-labs/mnemo/internal/clock"
	"github.com/arborist-labs/mnemo/internal/graph"
	"github.com/arborist-labs/mnemo/internal/loadshed"
	"github.com/arborist-labs/mnemo/internal/logging"
	"github.com/arborist-labs/mnemo/internal/storage"
	"github.com/arborist-labs/mnemo/internal/vecmath"
)

// Config holds every tunable the consolidation engine needs (spec §4.7/§6).
type Config struct {
	BatchSize int

	RecentAccessWindow    time.Duration
	MicroStrengthenFactor float64
	StaleThreshold        time.Duration
	VerbatimDecayFactor   float64

	TauFresh       time.Duration
	PruneThreshold float64

	FreshToConsolidating     time.Duration
	ConsolidatingToConsolidated time.Duration
	ReconsolidatingToConsolidated time.Duration

	MemoryCap int

	ThetaLow            float64
	ThetaHigh           float64
	Beta                float64
	SimilarityThreshold float64
}

// DefaultConfig matches the spec's named defaults; where the spec leaves a
// constant as an Open Question (tauFreshDays, reconsolidation thetas) this
// picks values consistent with the rest of the worked examples and records
// the decision in the module's design ledger.
func DefaultConfig() Config {
	return Config{
		BatchSize: 100,

		RecentAccessWindow:    30 * time.Minute,
		MicroStrengthenFactor: 1.1,
		StaleThreshold:        7 * 24 * time.Hour,
		VerbatimDecayFactor:   0.98,

		TauFresh:       7 * 24 * time.Hour,
		PruneThreshold: 0.1,

		FreshToConsolidating:          1 * time.Hour,
		ConsolidatingToConsolidated:   24 * time.Hour,
		ReconsolidatingToConsolidated: 24 * time.Hour,

		MemoryCap: 50000,

		ThetaLow:            0.1,
		ThetaHigh:            0.4,
		Beta:                 10,
		SimilarityThreshold:  0.4,
	}
}

// Engine runs the micro and full consolidation cycles over a Store.
type Engine struct {
	store   storage.Store
	graph   *graph.Graph
	clock   clock.Clock
	cfg     Config
	monitor loadshed.Monitor

	// stateEnteredAt tracks, per memory, when its consolidation state last
	// changed. It is engine-owned ephemeral state (spec §9's "module-level
	// caches ... rewritten as explicit engine state"), not persisted —
	// losing it across a restart only delays a reconsolidating memory's
	// eventual return to consolidated, it does not corrupt anything.
	mu             sync.Mutex
	stateEnteredAt map[string]time.Time
}

// New creates a consolidation Engine. It runs unconditionally until
// SetLoadMonitor gives it a way to measure host pressure.
func New(store storage.Store, g *graph.Graph, clk clock.Clock, cfg Config) *Engine {
	return &Engine{
		store:          store,
		graph:          g,
		clock:          clk,
		cfg:            cfg,
		monitor:        loadshed.Never,
		stateEnteredAt: make(map[string]time.Time),
	}
}

// NewDefault creates an Engine using DefaultConfig.
func NewDefault(store storage.Store, g *graph.Graph, clk clock.Clock) *Engine {
	return New(store, g, clk, DefaultConfig())
}

// SetLoadMonitor installs a host-load monitor (internal/loadshed). When it
// reports overload, RunMicroCycle and RunFullCycle skip their work for that
// tick rather than competing with foreground store/retrieve traffic for
// CPU. A nil monitor restores the always-run default.
func (e *Engine) SetLoadMonitor(m loadshed.Monitor) {
	if m == nil {
		m = loadshed.Never
	}
	e.monitor = m
}

func (e *Engine) markTransition(id string, at time.Time) {
	e.mu.Lock()
	e.stateEnteredAt[id] = at
	e.mu.Unlock()
}

func (e *Engine) transitionedAt(id string, fallback time.Time) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.stateEnteredAt[id]; ok {
		return t
	}
	return fallback
}

// RunMicroCycle executes one micro-consolidation pass (spec §4.7): it
// strengthens recently accessed memories, decays stale ones, and decays or
// prunes associations. A failure on one item is logged and does not abort
// the batch.
func (e *Engine) RunMicroCycle(ctx context.Context) error {
	if e.monitor.Overloaded() {
		logging.Info("consolidate", "micro cycle: skipped, host under CPU pressure")
		return nil
	}

	now := e.clock.Now()

	rows, err := e.store.GetAllForRetrieval(ctx, "")
	if err != nil {
		return err
	}
	if len(rows) > e.cfg.BatchSize {
		rows = rows[:e.cfg.BatchSize]
	}

	for _, row := range rows {
		m := row.Memory
		lastAccess := m.CreatedAt
		if m.LastAccessedAt != nil {
			lastAccess = *m.LastAccessedAt
		}

		changed := false
		switch {
		case now.Sub(lastAccess) <= e.cfg.RecentAccessWindow:
			strengthened := math.Min(m.EncodingStrength*e.cfg.MicroStrengthenFactor, 1.0)
			if strengthened != m.EncodingStrength {
				m.EncodingStrength = strengthened
				changed = true
			}
		case now.Sub(lastAccess) > e.cfg.StaleThreshold:
			decayed := math.Max(m.EncodingStrength*e.cfg.VerbatimDecayFactor, storage.EncodingStrengthFloor)
			if decayed != m.EncodingStrength {
				m.EncodingStrength = decayed
				changed = true
			}
		}

		if changed {
			if err := e.store.UpdateMemory(ctx, m); err != nil {
				logging.Info("consolidate", "micro cycle: update memory %s failed: %v", m.ID, err)
				continue
			}
		}
	}

	if err := e.decayAssociations(ctx, now); err != nil {
		logging.Info("consolidate", "micro cycle: association decay failed: %v", err)
	}

	return nil
}

func (e *Engine) decayAssociations(ctx context.Context, now time.Time) error {
	assocs, err := e.store.GetAllAssociations(ctx)
	if err != nil {
		return err
	}
	tauDays := e.cfg.TauFresh.Hours() / 24

	for _, a := range assocs {
		daysSince := now.Sub(a.LastReinforced).Hours() / 24
		decay := math.Exp(-daysSince / tauDays)
		decayedFwd := a.ForwardStrength * decay
		decayedBwd := a.BackwardStrength * decay

		if decayedFwd < e.cfg.PruneThreshold && decayedBwd < e.cfg.PruneThreshold {
			if err := e.graph.DeleteAssociation(ctx, a.SourceID, a.TargetID); err != nil {
				logging.Info("consolidate", "prune association %s-%s failed: %v", a.SourceID, a.TargetID, err)
			}
			continue
		}

		if math.Abs(decayedFwd-a.ForwardStrength) > 1e-3 || math.Abs(decayedBwd-a.BackwardStrength) > 1e-3 {
			if err := e.graph.UpdateAssociationStrength(ctx, a.SourceID, a.TargetID, decayedFwd, decayedBwd, a.LastReinforced); err != nil {
				logging.Info("consolidate", "decay association %s-%s failed: %v", a.SourceID, a.TargetID, err)
			}
		}
	}
	return nil
}

// RunFullCycle executes one full-consolidation pass (spec §4.7): advances
// the per-memory state machine, prunes weak associations, enforces the
// memory cap, sweeps stale visual memories, and folds old per-location
// access-context records into each location's running summary.
func (e *Engine) RunFullCycle(ctx context.Context, memoryCap int) error {
	if e.monitor.Overloaded() {
		logging.Info("consolidate", "full cycle: skipped, host under CPU pressure")
		return nil
	}

	now := e.clock.Now()
	if memoryCap <= 0 {
		memoryCap = e.cfg.MemoryCap
	}

	if err := e.advanceStateMachine(ctx, now); err != nil {
		logging.Info("consolidate", "full cycle: state machine advance failed: %v", err)
	}

	if err := e.pruneWeakAssociations(ctx); err != nil {
		logging.Info("consolidate", "full cycle: association prune failed: %v", err)
	}

	if _, err := e.store.EvictOldest(ctx, memoryCap); err != nil {
		logging.Info("consolidate", "full cycle: eviction failed: %v", err)
	}

	if err := e.pruneStaleVisuals(ctx, now); err != nil {
		logging.Info("consolidate", "full cycle: visual pruning failed: %v", err)
	}

	if n, err := e.summarizeLocationContexts(ctx, now); err != nil {
		logging.Info("consolidate", "full cycle: location context summarization failed: %v", err)
	} else if n > 0 {
		logging.Debug("consolidate", "full cycle: summarized %d stale location context records", n)
	}

	return nil
}

func (e *Engine) advanceStateMachine(ctx context.Context, now time.Time) error {
	rows, err := e.store.GetAllForRetrieval(ctx, "")
	if err != nil {
		return err
	}
	if len(rows) > e.cfg.BatchSize {
		rows = rows[:e.cfg.BatchSize]
	}

	for _, row := range rows {
		m := row.Memory
		var next storage.ConsolidationState
		switch m.ConsolidationState {
		case storage.StateFresh:
			if now.Sub(m.CreatedAt) >= e.cfg.FreshToConsolidating {
				next = storage.StateConsolidating
			}
		case storage.StateConsolidating:
			if now.Sub(m.CreatedAt) >= e.cfg.ConsolidatingToConsolidated {
				next = storage.StateConsolidated
			}
		case storage.StateReconsolidating:
			enteredAt := e.transitionedAt(m.ID, m.CreatedAt)
			if now.Sub(enteredAt) >= e.cfg.ReconsolidatingToConsolidated {
				next = storage.StateConsolidated
			}
		}

		if next == "" {
			continue
		}
		m.ConsolidationState = next
		if err := e.store.UpdateMemory(ctx, m); err != nil {
			logging.Info("consolidate", "state transition for %s failed: %v", m.ID, err)
			continue
		}
		e.markTransition(m.ID, now)
	}
	return nil
}

func (e *Engine) pruneWeakAssociations(ctx context.Context) error {
	assocs, err := e.store.GetAllAssociations(ctx)
	if err != nil {
		return err
	}
	for _, a := range assocs {
		if a.ForwardStrength < e.cfg.PruneThreshold && a.BackwardStrength < e.cfg.PruneThreshold {
			if err := e.graph.DeleteAssociation(ctx, a.SourceID, a.TargetID); err != nil {
				logging.Info("consolidate", "prune association %s-%s failed: %v", a.SourceID, a.TargetID, err)
			}
		}
	}
	return nil
}

func (e *Engine) pruneStaleVisuals(ctx context.Context, now time.Time) error {
	rows, err := e.store.GetAllVisualForRetrieval(ctx, "")
	if err != nil {
		return err
	}
	for _, row := range rows {
		v, err := e.store.GetVisualMemory(ctx, row.Memory.ID)
		if err != nil || v == nil {
			continue
		}
		lastAccess := v.CreatedAt
		if v.LastAccessedAt != nil {
			lastAccess = *v.LastAccessedAt
		}
		idle := now.Sub(lastAccess)
		// Disposable means low significance and long idle; both must hold.
		if v.Significance < 0.3 && idle > e.cfg.StaleThreshold {
			if err := e.store.DeleteVisualMemory(ctx, v.ID); err != nil {
				logging.Info("consolidate", "prune visual memory %s failed: %v", v.ID, err)
			}
		}
	}
	return nil
}

// summarizeLocationContexts implements spec §4.7 step 7: per-location
// access-context records older than StaleThreshold are folded into that
// location's SummarizedContexts count and discarded — Familiarity and
// AccessCount already carry their effect, so the raw record no longer earns
// its keep once it's stopped being recent history.
func (e *Engine) summarizeLocationContexts(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-e.cfg.StaleThreshold)
	return e.store.SummarizeOldLocationContexts(ctx, cutoff)
}

// Reconsolidate is invoked at store time (not by the periodic engine):
// given newly stored content's embedding, it finds the most similar
// existing memory; if similarity exceeds SimilarityThreshold it computes a
// prediction error and either reinforces the existing trace in place, forks
// a new trace (moving the old one to reconsolidating), or draws from a
// logistic blend of the two in the ambiguous middle zone.
func (e *Engine) Reconsolidate(ctx context.Context, newMemoryID string, newEmbedding []float32, randomDraw float64) error {
	all, err := e.store.GetAllEmbeddings(ctx)
	if err != nil {
		return err
	}

	var bestID string
	var bestSim float64 = -1
	for id, emb := range all {
		if id == newMemoryID {
			continue
		}
		sim, err := vecmath.Cosine(newEmbedding, emb.Vector)
		if err != nil {
			continue
		}
		if sim > bestSim {
			bestSim, bestID = sim, id
		}
	}

	if bestID == "" || bestSim < e.cfg.SimilarityThreshold {
		return nil
	}

	existing, err := e.store.GetMemory(ctx, bestID)
	if err != nil || existing == nil {
		return err
	}

	pe := 1 - bestSim // prediction error: how different the new evidence is

	switch {
	case pe < e.cfg.ThetaLow:
		existing.AccessCount++
		now := e.clock.Now()
		existing.LastAccessedAt = &now
		return e.store.UpdateMemory(ctx, existing)

	case pe > e.cfg.ThetaHigh:
		existing.ConsolidationState = storage.StateReconsolidating
		if err := e.store.UpdateMemory(ctx, existing); err != nil {
			return err
		}
		e.markTransition(existing.ID, e.clock.Now())
		return nil

	default:
		// Ambiguous middle: logistic probability of forking, steepness beta.
		forkProb := 1 / (1 + math.Exp(-e.cfg.Beta*(pe-(e.cfg.ThetaLow+e.cfg.ThetaHigh)/2)))
		if randomDraw < forkProb {
			existing.ConsolidationState = storage.StateReconsolidating
			if err := e.store.UpdateMemory(ctx, existing); err != nil {
				return err
			}
			e.markTransition(existing.ID, e.clock.Now())
			return nil
		}
		existing.AccessCount++
		now := e.clock.Now()
		existing.LastAccessedAt = &now
		return e.store.UpdateMemory(ctx, existing)
	}
}
