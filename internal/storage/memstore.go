package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is the in-process reference implementation of Store: plain maps
// guarded by a single RWMutex. It is the default store for tests and for
// the "exact dot products over all embeddings are acceptable at the target
// scale" non-goal (spec §1) — there is no approximate index here at all.
type MemStore struct {
	mu sync.RWMutex

	memories    map[string]*Memory
	embeddings  map[string]*Embedding
	accesses    map[string][]AccessEvent // memoryID -> events, oldest first
	assocs      map[assocKey]*Association

	projects map[string]*Project
	projectByPath map[string]string // path -> id

	sessions        map[string]*Session
	sessionMembers  map[string]map[string]bool // sessionID -> memoryID set

	locations map[locKey]*Location

	episodes      map[string]*Episode
	activeEpisode map[string]string // projectID -> episodeID
	temporalLinks map[string][]TemporalLink // episodeID -> links

	visuals map[string]*VisualMemory
}

type assocKey struct{ a, b string }

func newAssocKey(x, y string) assocKey {
	if x <= y {
		return assocKey{x, y}
	}
	return assocKey{y, x}
}

type locKey struct{ project, path string }

// NewMemStore constructs an empty in-process store.
func NewMemStore() *MemStore {
	return &MemStore{
		memories:       make(map[string]*Memory),
		embeddings:     make(map[string]*Embedding),
		accesses:       make(map[string][]AccessEvent),
		assocs:         make(map[assocKey]*Association),
		projects:       make(map[string]*Project),
		projectByPath:  make(map[string]string),
		sessions:       make(map[string]*Session),
		sessionMembers: make(map[string]map[string]bool),
		locations:      make(map[locKey]*Location),
		episodes:       make(map[string]*Episode),
		activeEpisode:  make(map[string]string),
		temporalLinks:  make(map[string][]TemporalLink),
		visuals:        make(map[string]*VisualMemory),
	}
}

func (s *MemStore) Close() error { return nil }

// --- Memories ---

func (s *MemStore) CreateMemory(ctx context.Context, m *Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.ConsolidationState == "" {
		m.ConsolidationState = StateFresh
	}
	if m.EncodingStrength == 0 {
		m.EncodingStrength = 1.0
	}
	cp := *m
	s.memories[m.ID] = &cp
	return nil
}

func (s *MemStore) GetMemory(ctx context.Context, id string) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memories[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *MemStore) UpdateMemory(ctx context.Context, m *Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memories[m.ID]; !ok {
		return nil
	}
	cp := *m
	s.memories[m.ID] = &cp
	return nil
}

func (s *MemStore) DeleteMemory(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memories, id)
	delete(s.embeddings, id)
	delete(s.accesses, id)
	for k := range s.assocs {
		if k.a == id || k.b == id {
			delete(s.assocs, k)
		}
	}
	return nil
}

func (s *MemStore) CountMemories(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.memories), nil
}

func (s *MemStore) GetAllForRetrieval(ctx context.Context, projectID string) ([]RetrievalRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RetrievalRow
	for _, m := range s.memories {
		if projectID != "" && m.ProjectID != projectID {
			continue
		}
		cp := *m
		events := s.accesses[m.ID]
		times := make([]time.Time, len(events))
		for i, e := range events {
			times[len(events)-1-i] = e.At // most-recent-first
		}
		out = append(out, RetrievalRow{Memory: &cp, Accesses: times})
	}
	return out, nil
}

// --- Embeddings ---

func (s *MemStore) PutEmbedding(ctx context.Context, e *Embedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.embeddings[e.MemoryID] = &cp
	return nil
}

func (s *MemStore) GetEmbedding(ctx context.Context, memoryID string) (*Embedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.embeddings[memoryID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *MemStore) GetAllEmbeddings(ctx context.Context) (map[string]*Embedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*Embedding, len(s.embeddings))
	for k, v := range s.embeddings {
		cp := *v
		out[k] = &cp
	}
	return out, nil
}

// --- Access history ---

func (s *MemStore) RecordAccess(ctx context.Context, memoryID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accesses[memoryID] = append(s.accesses[memoryID], AccessEvent{MemoryID: memoryID, At: at})
	if m, ok := s.memories[memoryID]; ok {
		m.AccessCount++
		la := at
		m.LastAccessedAt = &la
	}
	return nil
}

func (s *MemStore) GetAccessHistory(ctx context.Context, memoryID string) ([]AccessEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.accesses[memoryID]
	out := make([]AccessEvent, len(events))
	for i, e := range events {
		out[len(events)-1-i] = e
	}
	return out, nil
}

// --- Associations ---

func (s *MemStore) Associate(ctx context.Context, src, tgt string, fwd, bwd float64, kind AssociationKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := newAssocKey(src, tgt)
	a, ok := s.assocs[key]
	if !ok {
		a = &Association{SourceID: src, TargetID: tgt}
		s.assocs[key] = a
	}
	a.ForwardStrength = fwd
	a.BackwardStrength = bwd
	a.Kind = kind
	a.LastReinforced = time.Now()
	return nil
}

func (s *MemStore) GetAssociations(ctx context.Context, memoryID string) ([]*Association, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Association
	for _, a := range s.assocs {
		if a.SourceID == memoryID || a.TargetID == memoryID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemStore) GetAllAssociations(ctx context.Context) ([]*Association, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Association, 0, len(s.assocs))
	for _, a := range s.assocs {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) UpdateAssociationStrength(ctx context.Context, src, tgt string, fwd, bwd float64, reinforcedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := newAssocKey(src, tgt)
	a, ok := s.assocs[key]
	if !ok {
		return nil
	}
	a.ForwardStrength = fwd
	a.BackwardStrength = bwd
	a.LastReinforced = reinforcedAt
	return nil
}

func (s *MemStore) DeleteAssociation(ctx context.Context, src, tgt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assocs, newAssocKey(src, tgt))
	return nil
}

// --- Projects ---

func (s *MemStore) GetOrCreateProject(ctx context.Context, path, name string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.projectByPath[path]; ok {
		cp := *s.projects[id]
		return &cp, nil
	}
	p := &Project{ID: uuid.NewString(), Path: path, Name: name, LastActive: time.Now()}
	s.projects[p.ID] = p
	s.projectByPath[path] = p.ID
	cp := *p
	return &cp, nil
}

func (s *MemStore) TouchProject(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.projects[id]; ok {
		p.LastActive = at
	}
	return nil
}

// --- Sessions ---

func (s *MemStore) GetOrCreateSession(ctx context.Context, projectID string, now time.Time, inactivityTimeout time.Duration) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Session
	for _, sess := range s.sessions {
		if sess.ProjectID != projectID || sess.EndedAt != nil {
			continue
		}
		if now.Sub(sess.LastTouched) > inactivityTimeout {
			continue
		}
		if best == nil || sess.LastTouched.After(best.LastTouched) {
			best = sess
		}
	}
	if best != nil {
		best.LastTouched = now
		cp := *best
		return &cp, nil
	}

	sess := &Session{ID: uuid.NewString(), ProjectID: projectID, StartedAt: now, LastTouched: now}
	s.sessions[sess.ID] = sess
	s.sessionMembers[sess.ID] = make(map[string]bool)
	cp := *sess
	return &cp, nil
}

func (s *MemStore) TouchSession(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.LastTouched = now
	}
	return nil
}

func (s *MemStore) EndSession(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		t := now
		sess.EndedAt = &t
	}
	return nil
}

func (s *MemStore) GetMemoryIDsInSession(ctx context.Context, sessionID string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool)
	for id := range s.sessionMembers[sessionID] {
		out[id] = true
	}
	return out, nil
}

func (s *MemStore) AddMemoryToSession(ctx context.Context, sessionID, memoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.sessionMembers[sessionID]
	if !ok {
		members = make(map[string]bool)
		s.sessionMembers[sessionID] = members
	}
	members[memoryID] = true
	return nil
}

func (s *MemStore) PruneExpiredSessions(ctx context.Context, now time.Time, inactivityTimeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, sess := range s.sessions {
		if sess.EndedAt != nil {
			continue
		}
		if now.Sub(sess.LastTouched) > inactivityTimeout {
			t := sess.LastTouched
			sess.EndedAt = &t
			count++
		}
	}
	return count, nil
}

// --- Locations ---

func (s *MemStore) GetOrCreateLocation(ctx context.Context, projectID, path string) (*Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := locKey{projectID, path}
	loc, ok := s.locations[key]
	if !ok {
		loc = &Location{Path: path, ProjectID: projectID}
		s.locations[key] = loc
	}
	cp := *loc
	return &cp, nil
}

func (s *MemStore) RecordLocationAccess(ctx context.Context, projectID, path string, ctxRecord AccessContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := locKey{projectID, path}
	loc, ok := s.locations[key]
	if !ok {
		loc = &Location{Path: path, ProjectID: projectID}
		s.locations[key] = loc
	}
	loc.AccessCount++
	loc.LastAccessed = ctxRecord.At
	loc.Contexts = append(loc.Contexts, ctxRecord)
	// Familiarity creeps toward 1 with repeated access, never regresses here
	// (decay toward unfamiliarity is a consolidation-time concern).
	loc.Familiarity += (1 - loc.Familiarity) * 0.2
	return nil
}

func (s *MemStore) SetLocationPinned(ctx context.Context, projectID, path string, pinned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := locKey{projectID, path}
	if loc, ok := s.locations[key]; ok {
		loc.Pinned = pinned
	}
	return nil
}

func (s *MemStore) SummarizeOldLocationContexts(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, loc := range s.locations {
		kept := loc.Contexts[:0:0]
		perLoc := 0
		for _, c := range loc.Contexts {
			if c.At.Before(cutoff) {
				perLoc++
				continue
			}
			kept = append(kept, c)
		}
		loc.Contexts = kept
		loc.SummarizedContexts += perLoc
		total += perLoc
	}
	return total, nil
}

// --- Episodes ---

func (s *MemStore) GetActiveEpisode(ctx context.Context, projectID string) (*Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.activeEpisode[projectID]
	if !ok {
		return nil, nil
	}
	ep, ok := s.episodes[id]
	if !ok || ep.EndedAt != nil {
		return nil, nil
	}
	cp := *ep
	return &cp, nil
}

func (s *MemStore) CreateEpisode(ctx context.Context, e *Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	cp := *e
	s.episodes[e.ID] = &cp
	s.activeEpisode[e.ProjectID] = e.ID
	return nil
}

func (s *MemStore) SealEpisode(ctx context.Context, episodeID string, endedAt time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.episodes[episodeID]
	if !ok {
		return nil
	}
	t := endedAt
	ep.EndedAt = &t
	ep.BoundaryReason = reason
	if s.activeEpisode[ep.ProjectID] == episodeID {
		delete(s.activeEpisode, ep.ProjectID)
	}
	return nil
}

func (s *MemStore) AppendEpisodeEvent(ctx context.Context, ev EpisodeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.episodes[ev.EpisodeID]
	if !ok {
		return nil
	}
	ep.Events = append(ep.Events, ev)
	return nil
}

func (s *MemStore) GetRecentEpisodes(ctx context.Context, projectID string, limit int) ([]*Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*Episode
	for _, ep := range s.episodes {
		if projectID != "" && ep.ProjectID != projectID {
			continue
		}
		cp := *ep
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemStore) GetEpisodeEvents(ctx context.Context, episodeID string) ([]EpisodeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.episodes[episodeID]
	if !ok {
		return nil, nil
	}
	out := make([]EpisodeEvent, len(ep.Events))
	copy(out, ep.Events)
	return out, nil
}

func (s *MemStore) GetEventCountForEpisode(ctx context.Context, episodeID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.episodes[episodeID]
	if !ok {
		return 0, nil
	}
	return len(ep.Events), nil
}

func (s *MemStore) GetEventsForMemory(ctx context.Context, memoryID string) ([]EpisodeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []EpisodeEvent
	for _, ep := range s.episodes {
		for _, ev := range ep.Events {
			if ev.MemoryID == memoryID {
				out = append(out, ev)
			}
		}
	}
	return out, nil
}

// --- Temporal links ---

func (s *MemStore) AddTemporalLink(ctx context.Context, l TemporalLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temporalLinks[l.EpisodeID] = append(s.temporalLinks[l.EpisodeID], l)
	return nil
}

func (s *MemStore) GetEpisodeTemporalLinks(ctx context.Context, episodeID string) ([]TemporalLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	links := s.temporalLinks[episodeID]
	out := make([]TemporalLink, len(links))
	copy(out, links)
	return out, nil
}

// --- Visual memories ---

func (s *MemStore) CreateVisualMemory(ctx context.Context, v *VisualMemory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.ConsolidationState == "" {
		v.ConsolidationState = StateFresh
	}
	if v.EncodingStrength == 0 {
		v.EncodingStrength = 1.0
	}
	cp := *v
	s.visuals[v.ID] = &cp
	return nil
}

func (s *MemStore) GetVisualMemory(ctx context.Context, id string) (*VisualMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.visuals[id]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (s *MemStore) GetAllVisualForRetrieval(ctx context.Context, projectID string) ([]RetrievalRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RetrievalRow
	for _, v := range s.visuals {
		if projectID != "" && v.ProjectID != projectID {
			continue
		}
		cp := v.Memory
		events := s.accesses[v.ID]
		times := make([]time.Time, len(events))
		for i, e := range events {
			times[len(events)-1-i] = e.At
		}
		out = append(out, RetrievalRow{Memory: &cp, Accesses: times})
	}
	return out, nil
}

func (s *MemStore) DeleteVisualMemory(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.visuals, id)
	delete(s.accesses, id)
	return nil
}

// --- Maintenance ---

func (s *MemStore) EvictOldest(ctx context.Context, cap int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.memories) <= cap {
		return 0, nil
	}
	type scored struct {
		id   string
		last time.Time
		acc  int
	}
	var all []scored
	for id, m := range s.memories {
		last := m.CreatedAt
		if m.LastAccessedAt != nil {
			last = *m.LastAccessedAt
		}
		all = append(all, scored{id: id, last: last, acc: m.AccessCount})
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].last.Equal(all[j].last) {
			return all[i].last.Before(all[j].last)
		}
		return all[i].acc < all[j].acc
	})
	toEvict := len(all) - cap
	evicted := 0
	for i := 0; i < toEvict; i++ {
		id := all[i].id
		delete(s.memories, id)
		delete(s.embeddings, id)
		delete(s.accesses, id)
		for k := range s.assocs {
			if k.a == id || k.b == id {
				delete(s.assocs, k)
			}
		}
		evicted++
	}
	return evicted, nil
}
