package trail

import "sync"

// AggregateState caches the indices of the smallest and largest detail value
// inside the render window, and how far the window has been scanned.
type AggregateState struct {
	MinIndex     int `json:"min_index"`
	MaxIndex     int `json:"max_index"`
	LastSearched int `json:"last_searched"`
}

func unsetAggregate() AggregateState {
	return AggregateState{MinIndex: Unset, MaxIndex: Unset, LastSearched: Unset}
}

// inserted shifts cached indices for a fix inserted at i.
func (a *AggregateState) inserted(i int) {
	if a.MinIndex != Unset && i <= a.MinIndex {
		a.MinIndex++
	}
	if a.MaxIndex != Unset && i <= a.MaxIndex {
		a.MaxIndex++
	}
}

// removed shifts cached indices for a fix removed at i. An extreme that was
// itself removed is dropped and the window is rescanned from its start.
func (a *AggregateState) removed(i int) {
	if a.MinIndex != Unset {
		switch {
		case i < a.MinIndex:
			a.MinIndex--
		case i == a.MinIndex:
			a.MinIndex = Unset
			a.LastSearched = Unset
		}
	}
	if a.MaxIndex != Unset {
		switch {
		case i < a.MaxIndex:
			a.MaxIndex--
		case i == a.MaxIndex:
			a.MaxIndex = Unset
			a.LastSearched = Unset
		}
	}
}

// replaced drops a cached extreme whose fix was overwritten in place.
func (a *AggregateState) replaced(i int) {
	if i == a.MinIndex {
		a.MinIndex = Unset
		a.LastSearched = Unset
	}
	if i == a.MaxIndex {
		a.MaxIndex = Unset
		a.LastSearched = Unset
	}
}

// lowerWatermark makes sure fixes from i+1 on are scanned again.
func (a *AggregateState) lowerWatermark(i int) {
	if i < a.LastSearched {
		a.LastSearched = i
	}
}

// Aggregate returns a copy of the entity's aggregate state.
func (s *Store) Aggregate(entity EntityID) AggregateState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entities[entity]
	if !ok {
		return unsetAggregate()
	}
	st.view.Get()
	return st.agg
}

// RefreshMinMax brings the entity's cached min and max up to date for its
// current window and returns the number of fixes it had to scan. Scanning
// resumes after the last searched index unless a cached extreme has left the
// window, in which case it restarts at the window's first fix. Ties go to the
// later fix.
func (s *Store) RefreshMinMax(entity EntityID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entities[entity]
	if !ok {
		return 0
	}
	return s.refreshMinMaxLocked(st)
}

func (s *Store) refreshMinMaxLocked(st *entityState) int {
	w := st.view.Get().window
	agg := &st.agg
	if !w.IsSet() {
		*agg = unsetAggregate()
		return 0
	}

	start := Unset
	var minVal, maxVal float64
	minSet, maxSet := false, false
	if agg.MinIndex != Unset {
		if v, ok := st.detailAt(agg.MinIndex); ok && w.Contains(agg.MinIndex) {
			minVal, minSet = v, true
		} else {
			agg.MinIndex = Unset
			start = w.First
		}
	}
	if agg.MaxIndex != Unset {
		if v, ok := st.detailAt(agg.MaxIndex); ok && w.Contains(agg.MaxIndex) {
			maxVal, maxSet = v, true
		} else {
			agg.MaxIndex = Unset
			start = w.First
		}
	}
	if start == Unset {
		start = agg.LastSearched + 1
		if start < w.First {
			start = w.First
		}
	}

	scanned := 0
	for i := start; i <= w.Last; i++ {
		scanned++
		v, ok := st.detailAt(i)
		if !ok {
			continue
		}
		if !minSet || v <= minVal {
			minVal, minSet, agg.MinIndex = v, true, i
		}
		if !maxSet || v >= maxVal {
			maxVal, maxSet, agg.MaxIndex = v, true, i
		}
	}
	agg.LastSearched = w.Last
	return scanned
}

// MinMax returns the cached min and max detail values in the entity's window.
// ok is false unless both are known.
func (s *Store) MinMax(entity EntityID) (min, max float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, found := s.entities[entity]
	if !found {
		return 0, 0, false
	}
	return st.minMax()
}

func (st *entityState) minMax() (min, max float64, ok bool) {
	lo, okLo := st.detailAt(st.agg.MinIndex)
	hi, okHi := st.detailAt(st.agg.MaxIndex)
	if !okLo || !okHi {
		return 0, 0, false
	}
	return lo, hi, true
}

func (st *entityState) detailAt(i int) (float64, bool) {
	if i < 0 || i >= len(st.fixes) {
		return 0, false
	}
	return st.fixes[i].Detail()
}

// RefreshBoundaries refreshes every listed entity's min and max and folds
// them into the shared Boundaries. Only entities with both a min and a max
// contribute, and the boundaries change only if at least one did.
func (s *Store) RefreshBoundaries(entities []EntityID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lo, hi float64
	found := false
	for _, id := range entities {
		st, ok := s.entities[id]
		if !ok {
			continue
		}
		s.refreshMinMaxLocked(st)
		min, max, ok := st.minMax()
		if !ok {
			continue
		}
		if !found || min < lo {
			lo = min
		}
		if !found || max > hi {
			hi = max
		}
		found = true
	}
	if !found {
		return false
	}
	changed := s.boundaries.SetMinMax(lo, hi)
	if changed {
		s.publish(Event{Kind: EventBoundariesChanged})
	}
	return changed
}

// DetailValueAt returns the detail value of the fix drawn at trail vertex i.
// ok is false when i is outside the window or the fix carries no value.
func (s *Store) DetailValueAt(entity EntityID, vertex int) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, found := s.entities[entity]
	if !found {
		return 0, false
	}
	w := st.view.Get().window
	if !w.IsSet() || vertex < 0 || w.First+vertex > w.Last {
		return 0, false
	}
	return st.detailAt(w.First + vertex)
}

// ResetAggregates forgets every cached min, max and scan watermark, so the
// next refresh scans each window from its start.
func (s *Store) ResetAggregates() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.entities {
		st.agg = unsetAggregate()
	}
}

// Boundaries is the fleet-wide detail value range used for colour mapping.
type Boundaries struct {
	mu       sync.RWMutex
	min, max float64
	set      bool
}

// NewBoundaries returns an empty range.
func NewBoundaries() *Boundaries { return &Boundaries{} }

// SetMinMax stores a new range and reports whether it differs from the old.
func (b *Boundaries) SetMinMax(min, max float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.set && b.min == min && b.max == max {
		return false
	}
	b.min, b.max, b.set = min, max, true
	return true
}

// Range returns the current range; ok is false until one has been set.
func (b *Boundaries) Range() (min, max float64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.min, b.max, b.set
}

// Normalize maps v into [0, 1] against the range. A degenerate or unset range
// maps everything to 0.5.
func (b *Boundaries) Normalize(v float64) float64 {
	min, max, ok := b.Range()
	if !ok || max <= min {
		return 0.5
	}
	n := (v - min) / (max - min)
	return clampFloat(n, 0, 1)
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
