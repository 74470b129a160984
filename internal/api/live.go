package api

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/racetrail/internal/timeutil"
	"github.com/banshee-data/racetrail/internal/trail"
)

// Live drives an engine from the wall clock: the cursor trails real time by
// the render delay, and the tracked entity set and detail selector can be
// changed while it runs.
type Live struct {
	engine *trail.Engine
	clock  timeutil.Clock

	mu            sync.Mutex
	renderDelay   time.Duration
	entities      map[trail.EntityID]bool
	detail        trail.DetailSelector
	detailChanged bool
	paused        time.Time
}

// NewLive wraps engine. Fetches made by engine must pass through
// trail.SelectDetail(…, live.Detail) for selector changes to take effect.
func NewLive(engine *trail.Engine, clock timeutil.Clock, renderDelay time.Duration, detail trail.DetailSelector) *Live {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Live{
		engine:      engine,
		clock:       clock,
		renderDelay: renderDelay,
		entities:    make(map[trail.EntityID]bool),
		detail:      detail,
	}
}

// Engine returns the driven engine.
func (l *Live) Engine() *trail.Engine { return l.engine }

// Detail returns the current detail selector.
func (l *Live) Detail() trail.DetailSelector {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.detail
}

// SetDetail changes the detail selector. The next request replaces every
// cached track so detail values are refetched under the new selector.
func (l *Live) SetDetail(d trail.DetailSelector) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d != l.detail {
		l.detail = d
		l.detailChanged = true
	}
}

// SetPlaying pauses or resumes the cursor. A paused cursor stays where it
// was when paused.
func (l *Live) SetPlaying(playing bool) {
	cursor := l.Cursor()
	l.mu.Lock()
	if playing {
		l.paused = time.Time{}
	} else if l.paused.IsZero() {
		l.paused = cursor
	}
	l.mu.Unlock()
	l.engine.UpdateConfig(func(c *trail.Config) { c.Playing = playing })
}

// Track adds entities to the tracked set.
func (l *Live) Track(ids ...trail.EntityID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		l.entities[id] = true
	}
}

// Untrack stops tracking an entity and detaches it from the store, dropping
// its track and trail. It reports whether the entity was tracked.
func (l *Live) Untrack(id trail.EntityID) bool {
	l.mu.Lock()
	tracked := l.entities[id]
	delete(l.entities, id)
	l.mu.Unlock()
	if tracked {
		l.engine.Store().Detach(id)
	}
	return tracked
}

// Entities returns the tracked entities, sorted.
func (l *Live) Entities() []trail.EntityID {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]trail.EntityID, 0, len(l.entities))
	for id := range l.entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Cursor returns the time the trails currently end at.
func (l *Live) Cursor() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.paused.IsZero() {
		return l.paused
	}
	return l.clock.Now().Add(-l.renderDelay)
}

// NextRequest builds the request for the current cursor. It consumes a
// pending detail change.
func (l *Live) NextRequest() trail.Request {
	now := l.Cursor()
	ids := l.Entities()
	l.mu.Lock()
	defer l.mu.Unlock()
	changed := l.detailChanged
	l.detailChanged = false
	return trail.Request{Now: now, Entities: ids, DetailChanged: changed}
}

// Tick issues one request immediately.
func (l *Live) Tick(ctx context.Context) (*trail.UpdateResult, error) {
	return l.engine.Update(ctx, l.NextRequest())
}

// Run drives the engine on its refresh interval until ctx is cancelled.
func (l *Live) Run(ctx context.Context) error {
	return l.engine.Run(ctx, l.NextRequest)
}
