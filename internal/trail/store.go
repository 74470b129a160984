package trail

import (
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/racetrail/internal/timeutil"
)

// TrailState is the lifecycle state of an entity's trail.
type TrailState string

const (
	NoTrail            TrailState = "no_trail"
	TrailMaterializing TrailState = "materializing"
	TrailConsistent    TrailState = "consistent"
	TrailStale         TrailState = "stale"
	Removed            TrailState = "removed"
)

// RenderWindow is the index range of a track currently reflected by the
// entity's trail. Both bounds are Unset when nothing is materialised.
type RenderWindow struct {
	First int `json:"first"`
	Last  int `json:"last"`
}

// UnsetWindow returns a window with both bounds unset.
func UnsetWindow() RenderWindow { return RenderWindow{First: Unset, Last: Unset} }

// IsSet reports whether the window covers at least one fix.
func (w RenderWindow) IsSet() bool {
	return w.First != Unset && w.Last != Unset && w.First <= w.Last
}

// Contains reports whether index i lies inside the window.
func (w RenderWindow) Contains(i int) bool {
	return w.IsSet() && i >= w.First && i <= w.Last
}

// Trail is the rendering collaborator's handle on one entity's drawn path.
// Vertex indices are relative to the window's first fix.
type Trail interface {
	InsertAt(i int, f Fix)
	RemoveAt(i int)
	SetAt(i int, f Fix)
	Clear()
	Len() int
}

// TrailFactory creates the trail handle for an entity on first
// materialisation.
type TrailFactory func(entity EntityID) Trail

// trailView is the deferred part of an entity's state: the trail handle and
// the window it reflects.
type trailView struct {
	trail  Trail
	window RenderWindow
}

type entityState struct {
	generation    uint64
	fixes         []Fix
	view          Deferred[trailView]
	agg           AggregateState
	materializing bool

	// slidesIssued numbers SlideWindow calls; slidesApplied is the newest
	// one that ran. Delayed slides at or below it are stale.
	slidesIssued  uint64
	slidesApplied uint64
}

// Store owns the per-entity tracks, render windows and aggregate state. All
// mutations are serialised by a single mutex so each operation runs to
// completion before the next one starts.
type Store struct {
	mu         sync.Mutex
	clock      timeutil.Clock
	factory    TrailFactory
	bus        *Bus
	boundaries *Boundaries
	entities   map[EntityID]*entityState
	gens       map[EntityID]uint64
}

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithClock sets the clock used for delayed trail updates.
func WithClock(c timeutil.Clock) StoreOption {
	return func(s *Store) { s.clock = c }
}

// WithTrailFactory sets the factory used to create trails.
func WithTrailFactory(f TrailFactory) StoreOption {
	return func(s *Store) { s.factory = f }
}

// WithBus sets the bus that receives change events.
func WithBus(b *Bus) StoreOption {
	return func(s *Store) { s.bus = b }
}

// WithBoundaries sets the shared value range fed by RefreshBoundaries.
func WithBoundaries(b *Boundaries) StoreOption {
	return func(s *Store) { s.boundaries = b }
}

// NewStore creates an empty Store. Unless overridden it uses the real clock,
// in-memory trails and a private Boundaries.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		clock:      timeutil.RealClock{},
		factory:    func(EntityID) Trail { return NewPointTrail() },
		boundaries: NewBoundaries(),
		entities:   make(map[EntityID]*entityState),
		gens:       make(map[EntityID]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Boundaries returns the shared value range.
func (s *Store) Boundaries() *Boundaries { return s.boundaries }

// Attach registers entity and returns its generation. Attaching an entity
// that is already attached returns the current generation.
func (s *Store) Attach(entity EntityID) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attachLocked(entity).generation
}

func (s *Store) attachLocked(entity EntityID) *entityState {
	if st, ok := s.entities[entity]; ok {
		return st
	}
	s.gens[entity]++
	st := &entityState{
		generation: s.gens[entity],
		view:       Consistent(trailView{window: UnsetWindow()}),
		agg:        unsetAggregate(),
	}
	s.entities[entity] = st
	return st
}

// Detach removes every piece of state held for entity. Responses planned
// against the detached generation are ignored.
func (s *Store) Detach(entity EntityID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entities[entity]
	if !ok {
		return
	}
	if t := st.view.Peek().trail; t != nil {
		t.Clear()
	}
	st.view.Reset(trailView{window: UnsetWindow()})
	delete(s.entities, entity)
	s.publish(Event{Kind: EventEntityDetached, Entity: entity})
}

// Generation returns the generation of an attached entity.
func (s *Store) Generation(entity EntityID) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entities[entity]
	if !ok {
		return 0, false
	}
	return st.generation, true
}

// Entities returns the attached entities in lexical order.
func (s *Store) Entities() []EntityID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntityID, 0, len(s.entities))
	for id := range s.entities {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Fixes returns a copy of the entity's track.
func (s *Store) Fixes(entity EntityID) ([]Fix, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entities[entity]
	if !ok || st.fixes == nil {
		return nil, false
	}
	return cloneFixes(st.fixes), true
}

// HasFixes reports whether any fix is cached for entity.
func (s *Store) HasFixes(entity EntityID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entities[entity]
	return ok && len(st.fixes) > 0
}

// Window returns the entity's render window after settling pending repairs.
func (s *Store) Window(entity EntityID) RenderWindow {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entities[entity]
	if !ok {
		return UnsetWindow()
	}
	return st.view.Get().window
}

// Trail returns the entity's trail after settling pending repairs.
func (s *Store) Trail(entity EntityID) (Trail, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entities[entity]
	if !ok {
		return nil, false
	}
	v := st.view.Get()
	return v.trail, v.trail != nil
}

// HasTrail reports whether a trail exists without settling repairs.
func (s *Store) HasTrail(entity EntityID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entities[entity]
	return ok && st.view.Peek().trail != nil
}

// WindowFixes returns copies of the fixes inside the entity's render window.
func (s *Store) WindowFixes(entity EntityID) []Fix {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entities[entity]
	if !ok {
		return nil
	}
	w := st.view.Get().window
	if !w.IsSet() {
		return nil
	}
	return cloneFixes(st.fixes[w.First : w.Last+1])
}

// State reports where the entity is in its trail lifecycle. It does not
// settle pending repairs.
func (s *Store) State(entity EntityID) TrailState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entities[entity]
	switch {
	case !ok && s.gens[entity] > 0:
		return Removed
	case !ok:
		return NoTrail
	case st.view.Pending():
		return TrailStale
	case st.view.Peek().trail != nil:
		return TrailConsistent
	case st.materializing:
		return TrailMaterializing
	default:
		return NoTrail
	}
}

// SpeculativeGap returns the time between a trailing speculative fix and the
// confirmed fix before it, or zero when the track does not end in one.
func (s *Store) SpeculativeGap(entity EntityID) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entities[entity]
	if !ok || len(st.fixes) < 2 {
		return 0
	}
	last := st.fixes[len(st.fixes)-1]
	if !last.Speculative {
		return 0
	}
	return last.Timestamp.Sub(st.fixes[len(st.fixes)-2].Timestamp)
}

// RemoveTrail clears and forgets the entity's trail together with its window
// and aggregate state. Cached fixes are kept.
func (s *Store) RemoveTrail(entity EntityID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.entities[entity]; ok {
		s.removeTrailLocked(entity, st)
	}
}

// ClearTrails removes every trail. Cached fixes are kept, and trails are
// rebuilt on the next SlideWindow.
func (s *Store) ClearTrails() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range s.entities {
		s.removeTrailLocked(id, st)
	}
}

func (s *Store) removeTrailLocked(entity EntityID, st *entityState) {
	st.slidesApplied = st.slidesIssued
	v := st.view.Get()
	if v.trail == nil {
		return
	}
	v.trail.Clear()
	st.view.Reset(trailView{window: UnsetWindow()})
	st.agg = unsetAggregate()
	s.publish(Event{Kind: EventTrailRemoved, Entity: entity})
}

// markMaterializing flags entities whose first trail is waiting on a fetch.
func (s *Store) markMaterializing(st *entityState) {
	if st.view.Peek().trail == nil {
		st.materializing = true
	}
}

func (s *Store) publish(e Event) {
	if s.bus == nil {
		return
	}
	if e.At.IsZero() {
		e.At = s.clock.Now()
	}
	s.bus.Publish(e)
}
