// Package session tracks which memories were accessed together in a single
// working session, so the retrieval façade can amplify co-accessed results
// (spec §4.2/§5).
package session

import (
	"context"
	"sync"
	"time"

	"github.com/arborist-labs/mnemo/internal/clock"
	"github.com/arborist-labs/mnemo/internal/storage"
)

const (
	// DefaultInactivityTimeout is how long a session stays open without a
	// touch before the next access starts a new one.
	DefaultInactivityTimeout = 30 * time.Minute
	// DefaultSameSessionBoost multiplies a candidate's score when it was
	// accessed earlier in the querying session.
	DefaultSameSessionBoost = 1.5
	// DefaultCacheTTL bounds how often PruneExpired sweeps storage.
	DefaultCacheTTL = 60 * time.Second
)

// Tracker is a thin cache in front of the storage port's session operations:
// it avoids a round-trip to storage for every access within an active
// session and rate-limits PruneExpired sweeps, per spec §5's "Session cache
// (retrieval-façade LRU): pruned lazily, at most once per TTL interval".
type Tracker struct {
	store             storage.Store
	clock             clock.Clock
	inactivityTimeout time.Duration
	cacheTTL          time.Duration
	sameSessionBoost  float64

	mu        sync.Mutex
	current   map[string]*storage.Session // keyed by projectID, "" for no project
	lastPrune time.Time
}

// New creates a Tracker over store.
func New(store storage.Store, clk clock.Clock, inactivityTimeout, cacheTTL time.Duration) *Tracker {
	return &Tracker{
		store:             store,
		clock:             clk,
		inactivityTimeout: inactivityTimeout,
		cacheTTL:          cacheTTL,
		sameSessionBoost:  DefaultSameSessionBoost,
		current:           make(map[string]*storage.Session),
	}
}

// NewDefault creates a Tracker using the package defaults.
func NewDefault(store storage.Store, clk clock.Clock) *Tracker {
	return New(store, clk, DefaultInactivityTimeout, DefaultCacheTTL)
}

// SameSessionBoost returns the configured co-access score multiplier.
func (t *Tracker) SameSessionBoost() float64 { return t.sameSessionBoost }

// GetOrCreateSession returns the active session for projectID, reusing the
// cached one when it is still within the inactivity window, otherwise
// consulting storage, which returns an unexpired active session or creates
// a new one (expired sessions are sealed only by PruneExpiredSessions).
func (t *Tracker) GetOrCreateSession(ctx context.Context, projectID string) (*storage.Session, error) {
	now := t.clock.Now()

	t.mu.Lock()
	cached, ok := t.current[projectID]
	t.mu.Unlock()

	if ok && now.Sub(cached.LastTouched) < t.inactivityTimeout {
		if err := t.store.TouchSession(ctx, cached.ID, now); err != nil {
			return nil, err
		}
		cached.LastTouched = now
		return cached, nil
	}

	sess, err := t.store.GetOrCreateSession(ctx, projectID, now, t.inactivityTimeout)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.current[projectID] = sess
	t.mu.Unlock()
	return sess, nil
}

// RecordAccess assigns memoryID to the current session for projectID.
func (t *Tracker) RecordAccess(ctx context.Context, projectID, memoryID string) (*storage.Session, error) {
	sess, err := t.GetOrCreateSession(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := t.store.AddMemoryToSession(ctx, sess.ID, memoryID); err != nil {
		return nil, err
	}
	return sess, nil
}

// MemoryIDsInSession returns the set of memory IDs accessed via sessionID.
func (t *Tracker) MemoryIDsInSession(ctx context.Context, sessionID string) (map[string]bool, error) {
	if sessionID == "" {
		return map[string]bool{}, nil
	}
	return t.store.GetMemoryIDsInSession(ctx, sessionID)
}

// EndSession seals a session and evicts it from the cache.
func (t *Tracker) EndSession(ctx context.Context, id string) error {
	now := t.clock.Now()
	if err := t.store.EndSession(ctx, id, now); err != nil {
		return err
	}
	t.mu.Lock()
	for k, v := range t.current {
		if v.ID == id {
			delete(t.current, k)
		}
	}
	t.mu.Unlock()
	return nil
}

// PruneExpired sweeps storage for sessions past their inactivity window,
// but does nothing if called again before cacheTTL has elapsed since the
// last sweep.
func (t *Tracker) PruneExpired(ctx context.Context) (int, error) {
	now := t.clock.Now()

	t.mu.Lock()
	if now.Sub(t.lastPrune) < t.cacheTTL {
		t.mu.Unlock()
		return 0, nil
	}
	t.lastPrune = now
	t.mu.Unlock()

	n, err := t.store.PruneExpiredSessions(ctx, now, t.inactivityTimeout)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	for k, v := range t.current {
		if now.Sub(v.LastTouched) >= t.inactivityTimeout {
			delete(t.current, k)
		}
	}
	t.mu.Unlock()

	return n, nil
}

// Close empties the tracker's cache of active sessions as part of the
// engine's close sequence (spec §5: "close() releases the ... session cache").
func (t *Tracker) Close() {
	t.mu.Lock()
	t.current = make(map[string]*storage.Session)
	t.mu.Unlock()
}
