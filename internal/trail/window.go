package trail

import (
	"sort"
	"time"
)

// SlideWindow moves the entity's render window to the fixes with
// from <= timestamp <= to, updating the trail vertex by vertex. The head is
// shrunk then grown, then the tail is shrunk then grown, all against the
// current track, so calling it right after a merge needs no further fetch.
// A trail is created on first use. delayMillis == -1 runs the update now;
// any other value schedules it on the store's clock. A delayed slide is
// dropped when a slide issued after it has already been applied or the
// trail was removed since.
func (s *Store) SlideWindow(entity EntityID, from, to time.Time, delayMillis int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entities[entity]
	if !ok {
		return
	}
	st.slidesIssued++
	seq := st.slidesIssued
	if delayMillis == -1 {
		s.slideLocked(entity, st, seq, from, to)
		return
	}

	gen := st.generation
	s.clock.AfterFunc(time.Duration(delayMillis)*time.Millisecond, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.entities[entity]; ok && cur.generation == gen && seq > cur.slidesApplied {
			s.slideLocked(entity, cur, seq, from, to)
		}
	})
}

func (s *Store) slideLocked(entity EntityID, st *entityState, seq uint64, from, to time.Time) {
	st.slidesApplied = seq
	v := st.view.Get()
	if v.trail == nil {
		v.trail = s.factory(entity)
		v.window = UnsetWindow()
	}
	st.materializing = false
	fixes := st.fixes
	w := v.window
	t := v.trail

	if w.IsSet() && w.Last >= len(fixes) {
		t.Clear()
		w = UnsetWindow()
	}

	if w.IsSet() {
		for w.First <= w.Last && fixes[w.First].Timestamp.Before(from) {
			t.RemoveAt(0)
			w.First++
		}
		if w.First > w.Last {
			w = UnsetWindow()
		}
	}
	if w.IsSet() {
		grew := false
		for w.First > 0 && !fixes[w.First-1].Timestamp.Before(from) {
			w.First--
			t.InsertAt(0, fixes[w.First])
			grew = true
		}
		if grew {
			st.agg.lowerWatermark(w.First - 1)
		}
		for w.Last >= w.First && fixes[w.Last].Timestamp.After(to) {
			t.RemoveAt(w.Last - w.First)
			w.Last--
		}
		if w.Last < w.First {
			w = UnsetWindow()
		}
	}
	if w.IsSet() {
		for w.Last < len(fixes)-1 && !fixes[w.Last+1].Timestamp.After(to) {
			w.Last++
			t.InsertAt(w.Last-w.First, fixes[w.Last])
		}
	} else {
		w = materialize(t, fixes, from, to)
		if w.IsSet() {
			st.agg.lowerWatermark(w.First - 1)
		}
	}

	if v.window != w {
		v.window = w
		win := w
		s.publish(Event{Kind: EventWindowChanged, Entity: entity, Window: &win})
	}
}

// materialize rebuilds an empty trail from the fixes within [from, to].
func materialize(t Trail, fixes []Fix, from, to time.Time) RenderWindow {
	if t.Len() > 0 {
		t.Clear()
	}
	lo, _ := searchFix(fixes, from)
	hi := sort.Search(len(fixes), func(i int) bool {
		return fixes[i].Timestamp.After(to)
	}) - 1
	if lo > hi {
		return UnsetWindow()
	}
	for i := lo; i <= hi; i++ {
		t.InsertAt(i-lo, fixes[i])
	}
	return RenderWindow{First: lo, Last: hi}
}
