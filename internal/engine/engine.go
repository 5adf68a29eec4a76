// Package engine assembles the vector kernel, storage port, working-memory
// buffer, association graph, session tracker, episodic layer, and
// consolidation engine into the retrieval façade spec §6 exposes to the
// surrounding service: store, retrieve, retrieveVisual,
// retrieveTemporalNeighbours, getContext, processPendingEmbeddings, close.
package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/arborist-labs/mnemo/internal/activation"
	"github.com/arborist-labs/mnemo/internal/buffer"
	"github.com/arborist-labs/mnemo/internal/clock"
	"github.com/arborist-labs/mnemo/internal/consolidate"
	"github.com/arborist-labs/mnemo/internal/embedding"
	"github.com/arborist-labs/mnemo/internal/episode"
	"github.com/arborist-labs/mnemo/internal/extract"
	"github.com/arborist-labs/mnemo/internal/graph"
	"github.com/arborist-labs/mnemo/internal/logging"
	"github.com/arborist-labs/mnemo/internal/memerr"
	"github.com/arborist-labs/mnemo/internal/session"
	"github.com/arborist-labs/mnemo/internal/shortid"
	"github.com/arborist-labs/mnemo/internal/storage"
	"github.com/arborist-labs/mnemo/internal/vecmath"
)

// SemanticAssociationThreshold is the cosine similarity above which two
// memories are associated at store time (spec §3: "Associations are
// created by semantic similarity at store time").
const SemanticAssociationThreshold = 0.5

// StoreOptions carries the recognized `store(content, options)` fields
// (spec §6).
type StoreOptions struct {
	Kind            storage.Kind
	Gist            string
	EmotionalWeight float64
	ProjectID       string
	Tags            []string

	// LocationPath, when set, records this store as a direct access against
	// the named filesystem location within ProjectID (spec §3 Location).
	LocationPath string
	Activity     storage.ActivityKind
}

// RetrieveOptions carries the recognized `retrieve(query, options,
// projectId?)` fields (spec §6); zero values fall back to the package
// defaults.
type RetrieveOptions struct {
	MaxResults      int
	MinProbability  float64
	ProbeWeight     float64
	BaseLevelWeight float64
	SpreadingWeight float64
	Threshold       float64
	Noise           float64
	FilterType      storage.Kind // empty means no filter
	MaxHops         int          // 0 means single-hop only
	HopDecay        float64

	// LocationPath, when set, records this retrieval as an indirect access
	// against the named filesystem location within projectID (spec §3
	// Location).
	LocationPath string
	Activity     storage.ActivityKind
}

// ContextOptions carries getContext's budget knobs (spec §6).
type ContextOptions struct {
	TokenBudget   int
	MinSimilarity float64
	ProjectID     string
}

// ContextResult is getContext's return shape (spec §6).
type ContextResult struct {
	Memories   []activation.Candidate
	Summary    string
	TokensUsed int
}

// Engine is the retrieval façade. All of its dependencies are
// process-local; Close releases them and the storage port.
type Engine struct {
	store    storage.Store
	embedder embedding.Producer
	clock    clock.Clock

	buffer      *buffer.Buffer
	graph       *graph.Graph
	sessions    *session.Tracker
	episodes    *episode.Tracker
	consolidate *consolidate.Engine

	embedUnavailableWarned bool
	randFloat64            func() float64
}

// New wires every subsystem together over store and embedder using clk as
// the process-wide now().
func New(store storage.Store, embedder embedding.Producer, clk clock.Clock) *Engine {
	g := graph.New(store, clk)
	return &Engine{
		store:       store,
		embedder:    embedder,
		clock:       clk,
		buffer:      buffer.NewDefault(),
		graph:       g,
		sessions:    session.NewDefault(store, clk),
		episodes:    episode.NewDefault(store, clk),
		consolidate: consolidate.NewDefault(store, g, clk),
		randFloat64: rand.Float64,
	}
}

// NewDefault wires an Engine over store and embedder using the real clock.
func NewDefault(store storage.Store, embedder embedding.Producer) *Engine {
	return New(store, embedder, clock.Real{})
}

func (e *Engine) now() time.Time { return e.clock.Now() }

// embed produces an embedding for text, or nil with no error if the
// producer is unavailable — a one-shot warning fires per process lifetime
// (spec §5 back-pressure / §7 EmbeddingUnavailable).
func (e *Engine) embed(ctx context.Context, text string) []float32 {
	if e.embedder == nil || !e.embedder.IsAvailable(ctx) {
		logging.WarnOnce("embedding-unavailable", "engine", "embedding producer unavailable, falling back to recency-only ranking")
		return nil
	}
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		logging.WarnOnce("embedding-unavailable", "engine", "embed failed: %v, falling back to recency-only ranking", err)
		return nil
	}
	return vec
}

// Store implements `store(content, options) → Memory` (spec §4.6/§4.7/§6):
// it creates the memory, produces its embedding, runs reconsolidation
// against the most similar existing memory, links semantic associations,
// and records an episodic event.
func (e *Engine) Store(ctx context.Context, content string, opts StoreOptions) (*storage.Memory, error) {
	if content == "" {
		return nil, memerr.Invalid("store", fmt.Errorf("empty content"))
	}

	now := e.now()
	id := uuid.NewString()
	gist := opts.Gist
	if gist == "" {
		gist = extract.Gist(content, 120)
	}

	m := &storage.Memory{
		ID:                 id,
		Kind:               opts.Kind,
		Content:            content,
		Gist:               gist,
		CreatedAt:          now,
		EmotionalWeight:    opts.EmotionalWeight,
		ProjectID:          opts.ProjectID,
		Tags:               opts.Tags,
		ConsolidationState: storage.StateFresh,
		EncodingStrength:   1.0,
	}
	if err := e.store.CreateMemory(ctx, m); err != nil {
		return nil, memerr.Transient("store", err)
	}
	logging.Debug("engine", "stored memory %s (%s)", shortid.From(id), extract.Gist(content, 40))

	vec := e.embed(ctx, content)
	if len(vec) > 0 {
		if err := e.store.PutEmbedding(ctx, &storage.Embedding{MemoryID: id, Vector: vec, Model: "embedding"}); err != nil {
			return nil, memerr.Transient("store", err)
		}

		if err := e.consolidate.Reconsolidate(ctx, id, vec, e.randFloat64()); err != nil {
			logging.Debug("engine", "reconsolidation skipped: %v", err)
		}

		if err := e.linkSemanticAssociations(ctx, id, vec); err != nil {
			logging.Debug("engine", "semantic association linking failed: %v", err)
		}
	}

	if _, err := e.episodes.RecordEvent(ctx, opts.ProjectID, id, now); err != nil {
		logging.Debug("engine", "episode recording failed: %v", err)
	}

	e.recordLocationAccess(ctx, opts.ProjectID, opts.LocationPath, opts.Activity, true, gist, now)

	return m, nil
}

// linkSemanticAssociations associates the new memory with every existing
// memory whose embedding cosine exceeds SemanticAssociationThreshold.
// Unlike temporal links, semantic strength is symmetric: nothing in the
// relationship privileges a direction.
func (e *Engine) linkSemanticAssociations(ctx context.Context, newID string, newVec []float32) error {
	all, err := e.store.GetAllEmbeddings(ctx)
	if err != nil {
		return err
	}
	for otherID, emb := range all {
		if otherID == newID || emb == nil {
			continue
		}
		sim, err := cosineSafe(newVec, emb.Vector)
		if err != nil || sim < SemanticAssociationThreshold {
			continue
		}
		if err := e.graph.Associate(ctx, newID, otherID, sim, sim, storage.AssocSemantic); err != nil {
			return err
		}
	}
	return nil
}

// Retrieve implements `retrieve(query, options, projectId?)` (spec §4.5).
func (e *Engine) Retrieve(ctx context.Context, query string, opts RetrieveOptions, projectID string) ([]activation.Candidate, error) {
	if query == "" {
		return nil, memerr.Invalid("retrieve", fmt.Errorf("empty query"))
	}

	probe := e.embed(ctx, query)
	cfg := retrieveConfig(opts)

	rows, err := e.store.GetAllForRetrieval(ctx, "")
	if err != nil {
		return nil, memerr.Transient("retrieve", err)
	}
	embeddings, err := e.store.GetAllEmbeddings(ctx)
	if err != nil {
		return nil, memerr.Transient("retrieve", err)
	}
	lookup := func(id string) ([]float32, bool) {
		emb, ok := embeddings[id]
		if !ok || emb == nil {
			return nil, false
		}
		return emb.Vector, true
	}

	maxHops := opts.MaxHops
	if maxHops <= 0 {
		maxHops = 1
	}
	hopDecay := opts.HopDecay
	if hopDecay <= 0 {
		hopDecay = graph.DefaultHopDecay
	}

	now := e.now()
	candidates := make([]activation.Candidate, 0, len(rows))

	for _, row := range rows {
		m := row.Memory
		if opts.FilterType != "" && m.Kind != opts.FilterType {
			continue
		}
		if projectID != "" && m.ProjectID != "" && m.ProjectID != projectID {
			continue
		}

		candEmb, _ := lookup(m.ID)
		wmBoost := e.buffer.Boost(m.ID, now)

		spreading, err := e.graph.Spread(ctx, m.ID, probe, lookup, maxHops, hopDecay)
		if err != nil {
			spreading = 0
		}

		score, err := activation.Compute(cfg, probe, candEmb, wmBoost, row.Accesses, now, spreading)
		if err != nil {
			continue
		}
		if score.Probability < cfg.MinProbability {
			continue
		}

		candidates = append(candidates, activation.Candidate{
			Memory:      m,
			Score:       score.Score,
			Similarity:  score.Similarity,
			BaseLevel:   score.BaseLevel,
			Spreading:   score.Spreading,
			Probability: score.Probability,
		})
	}

	sortCandidates(candidates)

	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = 10
	}
	overfetchLimit := maxResults * activation.OverfetchFactor
	if overfetchLimit < len(candidates) {
		candidates = candidates[:overfetchLimit]
	}

	sessionMembers, err := e.currentSessionMembers(ctx, projectID)
	if err == nil && len(sessionMembers) > 0 {
		for i := range candidates {
			if sessionMembers[candidates[i].Memory.ID] {
				candidates[i].Score *= activation.SameSessionBoost
			}
		}
		sortCandidates(candidates)
	}

	if maxResults < len(candidates) {
		candidates = candidates[:maxResults]
	}

	for _, c := range candidates {
		if err := e.store.RecordAccess(ctx, c.Memory.ID, now); err != nil {
			return nil, memerr.Transient("retrieve", err)
		}
		e.buffer.Update(c.Memory.ID, now)
		if _, err := e.sessions.RecordAccess(ctx, projectID, c.Memory.ID); err != nil {
			logging.Debug("engine", "session recording failed: %v", err)
		}
	}

	e.recordLocationAccess(ctx, projectID, opts.LocationPath, opts.Activity, false, query, now)

	return candidates, nil
}

func (e *Engine) currentSessionMembers(ctx context.Context, projectID string) (map[string]bool, error) {
	s, err := e.sessions.GetOrCreateSession(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return e.sessions.MemoryIDsInSession(ctx, s.ID)
}

func retrieveConfig(opts RetrieveOptions) activation.Config {
	cfg := activation.DefaultConfig()
	if opts.ProbeWeight > 0 {
		cfg.ProbeWeight = opts.ProbeWeight
	}
	if opts.BaseLevelWeight > 0 {
		cfg.BaseLevelWeight = opts.BaseLevelWeight
	}
	if opts.SpreadingWeight > 0 {
		cfg.SpreadingWeight = opts.SpreadingWeight
	}
	if opts.Threshold != 0 {
		cfg.RetrievalThreshold = opts.Threshold
	}
	if opts.Noise > 0 {
		cfg.RetrievalNoise = opts.Noise
	}
	if opts.MinProbability > 0 {
		cfg.MinProbability = opts.MinProbability
	}
	return cfg
}

func sortCandidates(cs []activation.Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		ai, aj := cs[i].Memory, cs[j].Memory
		var aLast, ajLast time.Time
		if ai.LastAccessedAt != nil {
			aLast = *ai.LastAccessedAt
		}
		if aj.LastAccessedAt != nil {
			ajLast = *aj.LastAccessedAt
		}
		return activation.TieBreakLess(cs[i], cs[j], aLast, ajLast)
	})
}

func cosineSafe(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, nil
	}
	return vecmath.Cosine(a, b)
}
