// Package episode implements the episodic layer: grouping memories into
// episodes bounded by time gaps, event counts, or project changes, and
// linking events within an episode with asymmetric forward/backward
// temporal strengths (spec §4.6).
package episode

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/arborist-labs/mnemo/internal/clock"
	"github.com/arborist-labs/mnemo/internal/storage"
)

// Direction selects which way to walk temporal links from an anchor event.
type Direction string

const (
	DirectionBefore Direction = "before"
	DirectionAfter  Direction = "after"
	DirectionBoth   Direction = "both"
)

// Config holds the episodic layer's tunable parameters (spec §4.6/§6).
type Config struct {
	BoundaryGapMinutes   int
	MaxEventsPerEpisode  int
	ForwardLinkStrength  float64
	BackwardLinkStrength float64
	DistanceDecayRate    float64
	MaxTemporalDistance  int
}

// DefaultConfig matches the spec's worked example (1.0, 0.7, 0.3) for link
// strengths/decay; boundary thresholds are engineering defaults chosen to
// mirror the session tracker's inactivity window.
func DefaultConfig() Config {
	return Config{
		BoundaryGapMinutes:   30,
		MaxEventsPerEpisode:  50,
		ForwardLinkStrength:  1.0,
		BackwardLinkStrength: 0.7,
		DistanceDecayRate:    0.3,
		MaxTemporalDistance:  10,
	}
}

// Tracker maintains episode boundaries and temporal links on top of a Store.
type Tracker struct {
	store storage.Store
	clock clock.Clock
	cfg   Config
}

// New creates a Tracker with the given configuration.
func New(store storage.Store, clk clock.Clock, cfg Config) *Tracker {
	return &Tracker{store: store, clock: clk, cfg: cfg}
}

// NewDefault creates a Tracker using DefaultConfig.
func NewDefault(store storage.Store, clk clock.Clock) *Tracker {
	return New(store, clk, DefaultConfig())
}

// RecordEvent assigns memoryID to the active (or a freshly opened) episode
// for projectID at instant now, and wires temporal links to prior events
// within MaxTemporalDistance positions.
func (t *Tracker) RecordEvent(ctx context.Context, projectID, memoryID string, now time.Time) (*storage.Episode, error) {
	active, err := t.store.GetActiveEpisode(ctx, projectID)
	if err != nil {
		return nil, err
	}

	episode, err := t.resolveEpisode(ctx, active, projectID, now)
	if err != nil {
		return nil, err
	}

	position, err := t.store.GetEventCountForEpisode(ctx, episode.ID)
	if err != nil {
		return nil, err
	}

	if err := t.store.AppendEpisodeEvent(ctx, storage.EpisodeEvent{
		EpisodeID: episode.ID, MemoryID: memoryID, Position: position, At: now,
	}); err != nil {
		return nil, err
	}

	if err := t.linkToPriorEvents(ctx, episode.ID, position); err != nil {
		return nil, err
	}

	return episode, nil
}

func (t *Tracker) resolveEpisode(ctx context.Context, active *storage.Episode, projectID string, now time.Time) (*storage.Episode, error) {
	boundary, reason, err := t.boundaryCrossed(ctx, active, projectID, now)
	if err != nil {
		return nil, err
	}
	if !boundary {
		return active, nil
	}

	if active != nil {
		if err := t.store.SealEpisode(ctx, active.ID, now, reason); err != nil {
			return nil, err
		}
	}

	episode := &storage.Episode{ProjectID: projectID, StartedAt: now, BoundaryReason: reason}
	if err := t.store.CreateEpisode(ctx, episode); err != nil {
		return nil, err
	}
	return episode, nil
}

func (t *Tracker) boundaryCrossed(ctx context.Context, active *storage.Episode, projectID string, now time.Time) (bool, string, error) {
	if active == nil {
		return true, "no_active_episode", nil
	}
	if active.ProjectID != projectID {
		return true, "project_change", nil
	}

	count, err := t.store.GetEventCountForEpisode(ctx, active.ID)
	if err != nil {
		return false, "", err
	}
	if count >= t.cfg.MaxEventsPerEpisode {
		return true, "max_events", nil
	}

	events, err := t.store.GetEpisodeEvents(ctx, active.ID)
	if err != nil {
		return false, "", err
	}
	if len(events) > 0 {
		last := events[len(events)-1].At
		if now.Sub(last) > time.Duration(t.cfg.BoundaryGapMinutes)*time.Minute {
			return true, "time_gap", nil
		}
	}

	return false, "", nil
}

func (t *Tracker) linkToPriorEvents(ctx context.Context, episodeID string, position int) error {
	events, err := t.store.GetEpisodeEvents(ctx, episodeID)
	if err != nil {
		return err
	}
	for _, e := range events {
		if e.Position >= position {
			continue
		}
		distance := position - e.Position
		if distance > t.cfg.MaxTemporalDistance {
			continue
		}
		decay := math.Exp(-t.cfg.DistanceDecayRate * float64(distance-1))
		link := storage.TemporalLink{
			EpisodeID:        episodeID,
			FromEventPos:     e.Position,
			ToEventPos:       position,
			ForwardStrength:  t.cfg.ForwardLinkStrength * decay,
			BackwardStrength: t.cfg.BackwardLinkStrength * decay,
			Distance:         distance,
		}
		if err := t.store.AddTemporalLink(ctx, link); err != nil {
			return err
		}
	}
	return nil
}

// TemporalNeighbor is one memory reached by walking a temporal link from an
// anchor event, carrying the link strength it was scored by.
type TemporalNeighbor struct {
	MemoryID string
	Strength float64
}

// WalkTemporalNeighbors walks the temporal links from anchorMemoryID's most
// recent episode occurrence in the given direction, returning memories
// ordered by descending link strength, bounded by limit (0 = unbounded).
func (t *Tracker) WalkTemporalNeighbors(ctx context.Context, anchorMemoryID string, direction Direction, limit int) ([]TemporalNeighbor, error) {
	events, err := t.store.GetEventsForMemory(ctx, anchorMemoryID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	anchor := events[0]
	for _, ev := range events[1:] {
		if ev.At.After(anchor.At) {
			anchor = ev
		}
	}

	links, err := t.store.GetEpisodeTemporalLinks(ctx, anchor.EpisodeID)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		pos      int
		strength float64
	}
	var candidates []candidate
	for _, l := range links {
		if (direction == DirectionBefore || direction == DirectionBoth) &&
			l.ToEventPos == anchor.Position && l.FromEventPos < anchor.Position {
			candidates = append(candidates, candidate{l.FromEventPos, l.BackwardStrength})
		}
		if (direction == DirectionAfter || direction == DirectionBoth) &&
			l.FromEventPos == anchor.Position && l.ToEventPos > anchor.Position {
			candidates = append(candidates, candidate{l.ToEventPos, l.ForwardStrength})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].strength > candidates[j].strength })

	allEvents, err := t.store.GetEpisodeEvents(ctx, anchor.EpisodeID)
	if err != nil {
		return nil, err
	}
	posToMemory := make(map[int]string, len(allEvents))
	for _, e := range allEvents {
		posToMemory[e.Position] = e.MemoryID
	}

	var out []TemporalNeighbor
	for _, c := range candidates {
		if limit > 0 && len(out) >= limit {
			break
		}
		memID, ok := posToMemory[c.pos]
		if !ok {
			continue
		}
		out = append(out, TemporalNeighbor{MemoryID: memID, Strength: c.strength})
	}
	return out, nil
}
