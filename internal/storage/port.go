package storage

import (
	"context"
	"time"
)

// RetrievalRow is one row of the getAllForRetrieval result: a memory plus
// its access history (most-recent-first) — spec §4.2 requires these aligned
// index-for-index, which a single struct naturally guarantees.
type RetrievalRow struct {
	Memory   *Memory
	Accesses []time.Time // most-recent-first
}

// Store is the single abstract contract the activation engine, consolidation
// engine, session tracker, and episodic layer depend on (spec §4.2/§6). All
// mutations must be atomic with respect to readers; foreign-key cascade on
// memory delete must remove its embedding, access history, and associations.
type Store interface {
	// Memories

	CreateMemory(ctx context.Context, m *Memory) error
	GetMemory(ctx context.Context, id string) (*Memory, error)
	UpdateMemory(ctx context.Context, m *Memory) error
	DeleteMemory(ctx context.Context, id string) error
	CountMemories(ctx context.Context) (int, error)

	// GetAllForRetrieval returns every memory (optionally scoped to a
	// project), each paired with its full access-event history ordered
	// most-recent-first.
	GetAllForRetrieval(ctx context.Context, projectID string) ([]RetrievalRow, error)

	// Embeddings — exactly one row per memory, or none.

	PutEmbedding(ctx context.Context, e *Embedding) error
	GetEmbedding(ctx context.Context, memoryID string) (*Embedding, error)
	// GetAllEmbeddings returns every stored embedding keyed by memory ID.
	// Callers must not rely on iteration order.
	GetAllEmbeddings(ctx context.Context) (map[string]*Embedding, error)

	// Access history

	// RecordAccess appends an access event at the given instant and
	// atomically increments the memory's access count.
	RecordAccess(ctx context.Context, memoryID string, at time.Time) error
	GetAccessHistory(ctx context.Context, memoryID string) ([]AccessEvent, error)

	// Associations

	// Associate upserts the (src, tgt) pair; calling it twice with the same
	// arguments must yield the same row (idempotent upsert, spec §8).
	Associate(ctx context.Context, src, tgt string, forwardStrength, backwardStrength float64, kind AssociationKind) error
	GetAssociations(ctx context.Context, memoryID string) ([]*Association, error)
	GetAllAssociations(ctx context.Context) ([]*Association, error)
	UpdateAssociationStrength(ctx context.Context, src, tgt string, forwardStrength, backwardStrength float64, reinforcedAt time.Time) error
	DeleteAssociation(ctx context.Context, src, tgt string) error

	// Projects

	GetOrCreateProject(ctx context.Context, path, name string) (*Project, error)
	TouchProject(ctx context.Context, id string, at time.Time) error

	// Sessions

	GetOrCreateSession(ctx context.Context, projectID string, now time.Time, inactivityTimeout time.Duration) (*Session, error)
	TouchSession(ctx context.Context, id string, now time.Time) error
	EndSession(ctx context.Context, id string, now time.Time) error
	GetMemoryIDsInSession(ctx context.Context, sessionID string) (map[string]bool, error)
	AddMemoryToSession(ctx context.Context, sessionID, memoryID string) error
	PruneExpiredSessions(ctx context.Context, now time.Time, inactivityTimeout time.Duration) (int, error)

	// Locations

	GetOrCreateLocation(ctx context.Context, projectID, path string) (*Location, error)
	RecordLocationAccess(ctx context.Context, projectID, path string, ctxRecord AccessContext) error
	SetLocationPinned(ctx context.Context, projectID, path string, pinned bool) error

	// SummarizeOldLocationContexts implements spec §4.7 step 7: for every
	// location, access-context records older than cutoff are folded into
	// SummarizedContexts and discarded (Familiarity/AccessCount already
	// carry their contribution). Returns the number of records summarized.
	SummarizeOldLocationContexts(ctx context.Context, cutoff time.Time) (int, error)

	// Episodes

	GetActiveEpisode(ctx context.Context, projectID string) (*Episode, error)
	CreateEpisode(ctx context.Context, e *Episode) error
	SealEpisode(ctx context.Context, episodeID string, endedAt time.Time, reason string) error
	AppendEpisodeEvent(ctx context.Context, ev EpisodeEvent) error
	GetRecentEpisodes(ctx context.Context, projectID string, limit int) ([]*Episode, error)
	GetEpisodeEvents(ctx context.Context, episodeID string) ([]EpisodeEvent, error)
	GetEventCountForEpisode(ctx context.Context, episodeID string) (int, error)
	GetEventsForMemory(ctx context.Context, memoryID string) ([]EpisodeEvent, error)

	// Temporal links

	AddTemporalLink(ctx context.Context, l TemporalLink) error
	GetEpisodeTemporalLinks(ctx context.Context, episodeID string) ([]TemporalLink, error)

	// Visual memories

	CreateVisualMemory(ctx context.Context, v *VisualMemory) error
	GetVisualMemory(ctx context.Context, id string) (*VisualMemory, error)
	GetAllVisualForRetrieval(ctx context.Context, projectID string) ([]RetrievalRow, error)
	DeleteVisualMemory(ctx context.Context, id string) error

	// Maintenance

	// EvictOldest deletes memories beyond cap, ordered by ascending
	// (last_accessed coalesced to created_at, then ascending access_count),
	// returning the number evicted.
	EvictOldest(ctx context.Context, cap int) (int, error)

	Close() error
}
