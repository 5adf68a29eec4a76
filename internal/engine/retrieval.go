package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/arborist-labs/mnemo/internal/activation"
	"github.com/arborist-labs/mnemo/internal/episode"
	"github.com/arborist-labs/mnemo/internal/extract"
	"github.com/arborist-labs/mnemo/internal/memerr"
	"github.com/arborist-labs/mnemo/internal/storage"
)

// RetrieveVisual mirrors Retrieve but over the visual-memory table, per
// spec §6's `retrieveVisual(...)`. It applies the same activation pipeline
// and the same tie-break order as Retrieve (last access, then creation
// time, then id); a visual memory's significance does not enter ranking.
func (e *Engine) RetrieveVisual(ctx context.Context, query string, opts RetrieveOptions, projectID string) ([]activation.Candidate, error) {
	if query == "" {
		return nil, memerr.Invalid("retrieveVisual", fmt.Errorf("empty query"))
	}

	probe := e.embed(ctx, query)
	cfg := retrieveConfig(opts)

	rows, err := e.store.GetAllVisualForRetrieval(ctx, "")
	if err != nil {
		return nil, memerr.Transient("retrieveVisual", err)
	}
	embeddings, err := e.store.GetAllEmbeddings(ctx)
	if err != nil {
		return nil, memerr.Transient("retrieveVisual", err)
	}
	lookup := func(id string) ([]float32, bool) {
		emb, ok := embeddings[id]
		if !ok || emb == nil {
			return nil, false
		}
		return emb.Vector, true
	}

	now := e.now()
	candidates := make([]activation.Candidate, 0, len(rows))

	for _, row := range rows {
		m := row.Memory
		if projectID != "" && m.ProjectID != "" && m.ProjectID != projectID {
			continue
		}

		candEmb, _ := lookup(m.ID)
		wmBoost := e.buffer.Boost(m.ID, now)
		spreading, err := e.graph.Spread(ctx, m.ID, probe, lookup, 1, 0.7)
		if err != nil {
			spreading = 0
		}

		score, err := activation.Compute(cfg, probe, candEmb, wmBoost, row.Accesses, now, spreading)
		if err != nil || score.Probability < cfg.MinProbability {
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
	if maxResults < len(candidates) {
		candidates = candidates[:maxResults]
	}

	for _, c := range candidates {
		if err := e.store.RecordAccess(ctx, c.Memory.ID, now); err != nil {
			return nil, memerr.Transient("retrieveVisual", err)
		}
		e.buffer.Update(c.Memory.ID, now)
	}

	return candidates, nil
}

// RetrieveTemporalNeighbours implements spec §4.6's
// `retrieveTemporalNeighbours(anchorText, direction, limit)`: it retrieves
// once to pick the anchor memory, then walks the episodic temporal links
// in the requested direction.
func (e *Engine) RetrieveTemporalNeighbours(ctx context.Context, anchorText string, direction episode.Direction, limit int) ([]activation.Candidate, error) {
	if anchorText == "" {
		return nil, memerr.Invalid("retrieveTemporalNeighbours", fmt.Errorf("empty anchor"))
	}

	anchors, err := e.Retrieve(ctx, anchorText, RetrieveOptions{MaxResults: 1}, "")
	if err != nil {
		return nil, err
	}
	if len(anchors) == 0 {
		return nil, nil
	}
	anchorID := anchors[0].Memory.ID

	neighbors, err := e.episodes.WalkTemporalNeighbors(ctx, anchorID, direction, limit)
	if err != nil {
		return nil, memerr.Transient("retrieveTemporalNeighbours", err)
	}

	out := make([]activation.Candidate, 0, len(neighbors))
	for _, n := range neighbors {
		m, err := e.store.GetMemory(ctx, n.MemoryID)
		if err != nil || m == nil {
			continue
		}
		out = append(out, activation.Candidate{Memory: m, Score: n.Strength})
	}
	return out, nil
}

// GetContext implements spec §6's `getContext(task, projectId?, options) →
// { memories, summary, tokensUsed }`: it retrieves against the task text,
// filters by minSimilarity, and greedily fills the token budget.
func (e *Engine) GetContext(ctx context.Context, task string, projectID string, opts ContextOptions) (ContextResult, error) {
	if task == "" {
		return ContextResult{}, memerr.Invalid("getContext", fmt.Errorf("empty task"))
	}

	tokenBudget := opts.TokenBudget
	if tokenBudget <= 0 {
		tokenBudget = 300
	}
	minSimilarity := opts.MinSimilarity
	if minSimilarity <= 0 {
		minSimilarity = 0.3
	}

	candidates, err := e.Retrieve(ctx, task, RetrieveOptions{MaxResults: 50}, projectID)
	if err != nil {
		return ContextResult{}, err
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		wi := activation.EffectiveEmotionalWeight(candidates[i].Memory.EmotionalWeight, candidates[i].Memory.ProjectID, projectID)
		wj := activation.EffectiveEmotionalWeight(candidates[j].Memory.EmotionalWeight, candidates[j].Memory.ProjectID, projectID)
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return wi > wj
	})

	var selected []activation.Candidate
	var gists []string
	tokensUsed := 0
	for _, c := range candidates {
		if c.Similarity < minSimilarity {
			continue
		}
		gist := c.Memory.Gist
		if gist == "" {
			gist = extract.Gist(c.Memory.Content, 120)
		}
		cost := estimateTokens(gist)
		if tokensUsed+cost > tokenBudget {
			continue
		}
		selected = append(selected, c)
		gists = append(gists, gist)
		tokensUsed += cost
	}

	return ContextResult{
		Memories:   selected,
		Summary:    strings.Join(gists, " "),
		TokensUsed: tokensUsed,
	}, nil
}

// estimateTokens is a coarse, dependency-free token estimate (≈4 chars per
// token), used only to budget getContext's memory selection.
func estimateTokens(s string) int {
	n := len(s) / 4
	if n < 1 {
		return 1
	}
	return n
}

// ProcessPendingEmbeddings implements spec §6's
// `processPendingEmbeddings(batchSize)`: it finds memories lacking an
// embedding and attempts to produce one for up to batchSize of them,
// per-item failures are logged and skipped (spec §7).
func (e *Engine) ProcessPendingEmbeddings(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	rows, err := e.store.GetAllForRetrieval(ctx, "")
	if err != nil {
		return 0, memerr.Transient("processPendingEmbeddings", err)
	}
	existing, err := e.store.GetAllEmbeddings(ctx)
	if err != nil {
		return 0, memerr.Transient("processPendingEmbeddings", err)
	}

	processed := 0
	for _, row := range rows {
		if processed >= batchSize {
			break
		}
		if _, ok := existing[row.Memory.ID]; ok {
			continue
		}
		vec := e.embed(ctx, row.Memory.Content)
		if len(vec) == 0 {
			continue
		}
		if err := e.store.PutEmbedding(ctx, &storage.Embedding{MemoryID: row.Memory.ID, Vector: vec, Model: "embedding"}); err != nil {
			continue
		}
		processed++
	}
	return processed, nil
}

// Close clears the working-memory buffer and the session cache, then closes
// the storage port (spec §6). The association graph's cached index is not
// cleared here.
func (e *Engine) Close() error {
	e.buffer.Clear()
	e.sessions.Close()
	if closer, ok := e.store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
