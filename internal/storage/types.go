// Package storage defines the typed storage port the retrieval and
// consolidation engines depend on (spec §4.2/§6), plus two implementations:
// an in-process reference store (package memstore-equivalent, here MemStore)
// used by default and by all tests, and a persistent SQLite-backed store
// for production use.
package storage

import "time"

// Kind enumerates the semantic category of a Memory.
type Kind string

const (
	KindLearning     Kind = "learning"
	KindDecision     Kind = "decision"
	KindContext      Kind = "context"
	KindBug          Kind = "bug"
	KindSolution     Kind = "solution"
	KindConversation Kind = "conversation"
)

// ConsolidationState is the per-memory state machine position (spec §3/§4.7).
type ConsolidationState string

const (
	StateFresh           ConsolidationState = "fresh"
	StateConsolidating   ConsolidationState = "consolidating"
	StateConsolidated    ConsolidationState = "consolidated"
	StateReconsolidating ConsolidationState = "reconsolidating"
)

// EncodingStrengthFloor is the minimum a memory's encoding strength may
// decay to (spec §4.7 verbatimDecayFactor / encodingStrengthFloor default).
const EncodingStrengthFloor = 0.1

// Memory is the core stored entity (spec §3).
type Memory struct {
	ID                 string
	Kind               Kind
	Content            string
	Gist               string
	CreatedAt          time.Time
	LastAccessedAt      *time.Time
	AccessCount        int
	EmotionalWeight    float64
	ProjectID          string // empty means "no project"
	Tags               []string
	ConsolidationState ConsolidationState
	EncodingStrength   float64
}

// MediaKind distinguishes visual memory media types.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// VisualMemory extends Memory with media-specific attributes (spec §3).
type VisualMemory struct {
	Memory
	Media             MediaKind
	Description       string
	Objects           []string
	Significance      float64
	EmotionalValence  float64 // [-1, 1]
	EmotionalArousal  float64 // [0, 1]
	SharedBy          string
	SourcePath        string
}

// Embedding is the dense vector owned exclusively by one memory.
type Embedding struct {
	MemoryID string
	Vector   []float32
	Model    string
}

// AccessEvent is one append-only access record for a memory.
type AccessEvent struct {
	MemoryID string
	At       time.Time
}

// AssociationKind categorizes why two memories are linked.
type AssociationKind string

const (
	AssocSemantic AssociationKind = "semantic"
	AssocTemporal AssociationKind = "temporal"
	AssocCausal   AssociationKind = "causal"
)

// Association is an unordered pair of memories with asymmetric forward and
// backward strengths (TCM-style; spec §3/§4.4).
type Association struct {
	SourceID        string
	TargetID        string
	ForwardStrength float64
	BackwardStrength float64
	Kind            AssociationKind
	LastReinforced  time.Time
}

// Project groups memories and sessions under a stable path.
type Project struct {
	ID         string
	Path       string
	Name       string
	LastActive time.Time
}

// Session is a time-bounded grouping of accesses (spec §3).
type Session struct {
	ID          string
	ProjectID   string
	StartedAt   time.Time
	LastTouched time.Time
	EndedAt     *time.Time
}

// ActivityKind categorizes what a location access was for.
type ActivityKind string

const (
	ActivityReading     ActivityKind = "reading"
	ActivityWriting     ActivityKind = "writing"
	ActivityDebugging   ActivityKind = "debugging"
	ActivityRefactoring ActivityKind = "refactoring"
	ActivityReviewing   ActivityKind = "reviewing"
	ActivityUnknown     ActivityKind = "unknown"
)

// InferenceSource records how an access-context's ActivityKind was derived.
type InferenceSource string

const (
	InferenceExplicit InferenceSource = "explicit"
	InferenceKeyword  InferenceSource = "keyword"
	InferenceTool     InferenceSource = "tool"
	InferenceDefault  InferenceSource = "default"
)

// AccessContext is one per-access record attached to a Location.
type AccessContext struct {
	Activity       ActivityKind
	Source         InferenceSource
	WasDirectAccess bool
	TaskContext    string
	SessionID      string
	At             time.Time
}

// Location tracks familiarity with a filesystem path within a project.
type Location struct {
	Path         string
	ProjectID    string
	Familiarity  float64
	AccessCount  int
	Pinned       bool
	LastAccessed time.Time
	Contexts     []AccessContext

	// SummarizedContexts counts access-context records that have already
	// been folded into Familiarity/AccessCount and discarded (spec §4.7
	// step 7), so old raw contexts don't accumulate forever.
	SummarizedContexts int
}

// Episode groups memories sharing temporal/project proximity (spec §3/§4.6).
type Episode struct {
	ID        string
	ProjectID string
	StartedAt time.Time
	EndedAt   *time.Time
	BoundaryReason string
	Events    []EpisodeEvent
}

// EpisodeEvent is one memory's position within an episode.
type EpisodeEvent struct {
	EpisodeID string
	MemoryID  string
	Position  int
	At        time.Time
}

// TemporalLink is an asymmetric forward/backward link between two events in
// the same episode (spec §3/§4.6).
type TemporalLink struct {
	EpisodeID       string
	FromEventPos    int
	ToEventPos      int
	ForwardStrength  float64
	BackwardStrength float64
	Distance        int
}
